package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/eventflow/workflow"
)

func newTestRedisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, opts...), mr
}

func stores(t *testing.T) map[string]ExecutionStore {
	t.Helper()
	rs, _ := newTestRedisStore(t, WithMaxPerWorkflow(3))
	return map[string]ExecutionStore{
		"memory": NewMemoryStore(3),
		"redis":  rs,
	}
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func execution(id, workflowID string, n int, status workflow.Status) *workflow.WorkflowExecution {
	return &workflow.WorkflowExecution{
		ID:          id,
		WorkflowID:  workflowID,
		Status:      status,
		StartTime:   base.Add(time.Duration(n) * time.Minute),
		TriggeredBy: "alice",
		TriggerType: workflow.TriggerManual,
		Context: workflow.ExecutionContext{
			ProgramID: "prog-1",
			Variables: map[string]any{"n": float64(n)},
			Outputs:   map[string]any{},
		},
	}
}

func TestExecutionStore_SaveAndGet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			exec := execution("e1", "wf", 1, workflow.StatusRunning)
			if err := s.Save(ctx, exec); err != nil {
				t.Fatalf("save running: %v", err)
			}

			exec.Status = workflow.StatusCompleted
			end := exec.StartTime.Add(time.Second)
			exec.EndTime = &end
			if err := s.Save(ctx, exec); err != nil {
				t.Fatalf("save completed: %v", err)
			}

			got, err := s.Get(ctx, "e1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != workflow.StatusCompleted || got.Context.ProgramID != "prog-1" {
				t.Errorf("unexpected execution %+v", got)
			}
			if got.EndTime == nil || !got.EndTime.Equal(end) {
				t.Errorf("expected end time %v, got %v", end, got.EndTime)
			}

			list, err := s.ListByWorkflow(ctx, "wf", 0)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != 1 {
				t.Errorf("re-saving an execution must not duplicate it, got %d", len(list))
			}

			if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestExecutionStore_ListNewestFirstAndTrim(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 1; i <= 5; i++ {
				if err := s.Save(ctx, execution(fmt.Sprintf("e%d", i), "wf", i, workflow.StatusCompleted)); err != nil {
					t.Fatalf("save e%d: %v", i, err)
				}
			}
			if err := s.Save(ctx, execution("other", "wf-2", 9, workflow.StatusFailed)); err != nil {
				t.Fatalf("save other: %v", err)
			}

			list, err := s.ListByWorkflow(ctx, "wf", 0)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			ids := make([]string, len(list))
			for i, e := range list {
				ids[i] = e.ID
			}
			if want := []string{"e5", "e4", "e3"}; !slices.Equal(ids, want) {
				t.Errorf("ids = %v, want %v", ids, want)
			}

			limited, err := s.ListByWorkflow(ctx, "wf", 2)
			if err != nil {
				t.Fatalf("list limited: %v", err)
			}
			if len(limited) != 2 {
				t.Errorf("expected 2 executions, got %d", len(limited))
			}

			empty, err := s.ListByWorkflow(ctx, "nope", 10)
			if err != nil {
				t.Fatalf("list unknown: %v", err)
			}
			if len(empty) != 0 {
				t.Errorf("expected no executions, got %d", len(empty))
			}
		})
	}
}

func TestExecutionStore_RejectsMissingID(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Save(context.Background(), &workflow.WorkflowExecution{}); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestMemoryStore_SnapshotsAreIsolated(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	exec := execution("e1", "wf", 1, workflow.StatusRunning)
	if err := s.Save(ctx, exec); err != nil {
		t.Fatalf("save: %v", err)
	}
	exec.Context.Variables["n"] = "changed"

	got, err := s.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Context.Variables["n"] != float64(1) {
		t.Errorf("stored snapshot changed: %v", got.Context.Variables["n"])
	}
}

func TestRedisStore_KeysAndTTL(t *testing.T) {
	s, mr := newTestRedisStore(t, WithKeyPrefix("test:"), WithTTL(time.Hour))
	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := s.Save(ctx, execution("e1", "wf", 1, workflow.StatusCompleted)); err != nil {
		t.Fatalf("save: %v", err)
	}

	if !mr.Exists("test:execution:e1") {
		t.Error("expected execution key")
	}
	if ttl := mr.TTL("test:execution:e1"); ttl != time.Hour {
		t.Errorf("ttl = %v, want 1h", ttl)
	}
	members, err := mr.ZMembers("test:workflow:wf:executions")
	if err != nil {
		t.Fatalf("zmembers: %v", err)
	}
	if !slices.Equal(members, []string{"e1"}) {
		t.Errorf("index members = %v", members)
	}

	mr.FastForward(2 * time.Hour)
	list, err := s.ListByWorkflow(ctx, "wf", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expired executions are skipped, got %d", len(list))
	}
}

func TestStores_AsExecutorRecorder(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			reg := workflow.NewHandlerRegistry()
			reg.Register(workflow.ActionCustom, workflow.HandlerFunc(func(context.Context, workflow.ActionRequest) (map[string]any, error) {
				return map[string]any{"ok": true}, nil
			}))
			exec := workflow.NewExecutor(reg, workflow.WithRecorder(s))
			def := &workflow.WorkflowDefinition{
				ID:      "recorded",
				Enabled: true,
				Trigger: workflow.Trigger{Type: workflow.TriggerManual, Manual: &workflow.ManualTrigger{}},
				Actions: []workflow.Action{{
					ID: "step", Type: workflow.ActionCustom, Order: 1,
					Config: &workflow.CustomConfig{Module: "m", Function: "f"},
				}},
			}

			result, err := exec.Execute(context.Background(), def, workflow.TriggerContext{TriggeredBy: "alice", Type: workflow.TriggerManual})
			if err != nil {
				t.Fatalf("execute: %v", err)
			}

			stored, err := s.Get(context.Background(), result.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if stored.Status != workflow.StatusCompleted {
				t.Errorf("status = %s, want completed", stored.Status)
			}
			if len(stored.Actions) != 1 || stored.Actions[0].Output["ok"] != true {
				t.Errorf("unexpected actions %+v", stored.Actions)
			}
		})
	}
}
