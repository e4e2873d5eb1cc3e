package crossserver

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoCodeAlone/eventflow/eventbus"
	"github.com/GoCodeAlone/eventflow/registry"
)

type peer struct {
	srv      *httptest.Server
	received atomic.Int64
	mu       sync.Mutex
	last     eventbus.EventPayload
	source   string
}

func newPeer(t *testing.T, health, receiveCode int) *peer {
	t.Helper()
	p := &peer{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(health)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.HandleFunc("POST "+ReceivePath, func(w http.ResponseWriter, r *http.Request) {
		p.received.Add(1)
		var ev eventbus.EventPayload
		_ = json.NewDecoder(r.Body).Decode(&ev)
		p.mu.Lock()
		p.last = ev
		p.source = r.Header.Get(SourceHeader)
		p.mu.Unlock()
		w.WriteHeader(receiveCode)
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	t.Cleanup(reg.Close)
	return reg
}

func register(t *testing.T, reg *registry.Registry, id string, p *peer) {
	t.Helper()
	if err := reg.Register(context.Background(), registry.ServerInfo{ID: id, BaseURL: p.srv.URL}, time.Hour); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestPublishTo_HealthyAndUnregistered(t *testing.T) {
	a := newPeer(t, http.StatusOK, http.StatusAccepted)
	reg := newRegistry(t)
	register(t, reg, "A", a)

	bus := eventbus.New()
	pub := NewPublisher("origin", bus, reg)

	status := pub.PublishTo(context.Background(), []string{"A", "B"}, eventbus.EventPayload{
		EventType: "deliverable_submitted",
		ProgramID: "PROG-1",
		Data:      map[string]any{"deliverableId": "D-1"},
	})

	if !slices.Equal(status.Delivered, []string{"A"}) || !slices.Equal(status.Failed, []string{"B"}) {
		t.Fatalf("delivered=%v failed=%v", status.Delivered, status.Failed)
	}
	if _, ok := status.Errors["B"]; !ok {
		t.Errorf("expected an error for B, got %v", status.Errors)
	}
	if status.EventID == "" {
		t.Error("expected an event id")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.source != "origin" || a.last.SourceServer != "origin" {
		t.Errorf("source header=%q payload=%q", a.source, a.last.SourceServer)
	}
	if !a.last.CrossServer {
		t.Error("expected crossServer to be set")
	}
	if !slices.Equal(a.last.CrossServerTargets, []string{"A", "B"}) {
		t.Errorf("targets = %v", a.last.CrossServerTargets)
	}
	if got := EventID(a.last); got != status.EventID {
		t.Errorf("delivered event id %q, want %q", got, status.EventID)
	}
}

func TestPublishTo_UnhealthyTargetGetsNoRequest(t *testing.T) {
	down := newPeer(t, http.StatusServiceUnavailable, http.StatusOK)
	reg := newRegistry(t)
	register(t, reg, "down", down)

	server, ok := reg.GetServer("down")
	if !ok || server.Status != registry.StatusUnhealthy {
		t.Fatalf("expected down to be registered unhealthy, got %+v", server)
	}

	pub := NewPublisher("origin", eventbus.New(), reg)
	status := pub.PublishTo(context.Background(), []string{"down"}, eventbus.EventPayload{EventType: "x"})

	if len(status.Delivered) != 0 || !slices.Equal(status.Failed, []string{"down"}) {
		t.Errorf("delivered=%v failed=%v", status.Delivered, status.Failed)
	}
	if n := down.received.Load(); n != 0 {
		t.Errorf("unhealthy target received %d requests", n)
	}
}

func TestPublishTo_Non2xxIsFailure(t *testing.T) {
	bad := newPeer(t, http.StatusOK, http.StatusInternalServerError)
	good := newPeer(t, http.StatusOK, http.StatusOK)
	reg := newRegistry(t)
	register(t, reg, "bad", bad)
	register(t, reg, "good", good)

	pub := NewPublisher("origin", eventbus.New(), reg)
	status := pub.PublishTo(context.Background(), []string{"bad", "good", "bad"}, eventbus.EventPayload{EventType: "x"})

	if !slices.Equal(status.Delivered, []string{"good"}) || !slices.Equal(status.Failed, []string{"bad"}) {
		t.Errorf("delivered=%v failed=%v", status.Delivered, status.Failed)
	}
	if !strings.Contains(status.Errors["bad"], "500") {
		t.Errorf("error for bad = %q", status.Errors["bad"])
	}
	if n := bad.received.Load(); n != 1 {
		t.Errorf("duplicate targets are delivered once, got %d", n)
	}
}

func TestPublishTo_BroadcastsLocally(t *testing.T) {
	reg := newRegistry(t)
	bus := eventbus.New()
	var got []eventbus.EventPayload
	bus.Subscribe("x", func(_ context.Context, ev eventbus.EventPayload) error {
		got = append(got, ev)
		return nil
	})

	pub := NewPublisher("origin", bus, reg)
	pub.PublishTo(context.Background(), []string{"B"}, eventbus.EventPayload{EventType: "x"})

	if len(got) != 1 {
		t.Fatalf("expected 1 local event, got %d", len(got))
	}
	if !got[0].CrossServer || !slices.Equal(got[0].CrossServerTargets, []string{"B"}) {
		t.Errorf("unexpected local event %+v", got[0])
	}
}

type fakeRelay struct {
	mu  sync.Mutex
	got []eventbus.EventPayload
}

func (f *fakeRelay) Forward(_ context.Context, ev eventbus.EventPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, ev)
	return nil
}

type fakeRecorder struct {
	mu         sync.Mutex
	published  []string
	deliveries map[string]string
}

func (f *fakeRecorder) RecordEventPublished(eventType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, eventType)
}

func (f *fakeRecorder) RecordDelivery(target, result string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deliveries == nil {
		f.deliveries = map[string]string{}
	}
	f.deliveries[target] = result
}

func TestPublish_TagsAndRelays(t *testing.T) {
	bus := eventbus.New()
	relay := &fakeRelay{}
	rec := &fakeRecorder{}
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	pub := NewPublisher("origin", bus, newRegistry(t),
		WithRelay(relay),
		WithDeliveryRecorder(rec),
		WithPublisherClock(func() time.Time { return fixed }),
	)

	var seen eventbus.EventPayload
	bus.Subscribe("program_created", func(_ context.Context, ev eventbus.EventPayload) error {
		seen = ev
		return nil
	})

	data := map[string]any{"name": "Apollo"}
	id := pub.PublishProgramEvent(context.Background(), "PROG-1", "created", data)

	if id == "" {
		t.Fatal("expected an event id")
	}
	if !seen.CrossServer || len(seen.CrossServerTargets) != 0 {
		t.Errorf("crossServer=%v targets=%v", seen.CrossServer, seen.CrossServerTargets)
	}
	if seen.SourceServer != "origin" || seen.ProgramID != "PROG-1" {
		t.Errorf("source=%q program=%q", seen.SourceServer, seen.ProgramID)
	}
	if !seen.Timestamp.Equal(fixed) {
		t.Errorf("timestamp = %v, want %v", seen.Timestamp, fixed)
	}
	if seen.Data["programId"] != "PROG-1" {
		t.Errorf("data.programId = %v", seen.Data["programId"])
	}
	if _, ok := data["programId"]; ok {
		t.Error("caller's map must not be modified")
	}

	if len(relay.got) != 1 {
		t.Fatalf("expected 1 relayed event, got %d", len(relay.got))
	}
	if got := EventID(relay.got[0]); got != id {
		t.Errorf("relayed event id %q, want %q", got, id)
	}
	if !slices.Equal(rec.published, []string{"program_created"}) {
		t.Errorf("published = %v", rec.published)
	}
}

func TestPublish_TargetServersBecomeAllowList(t *testing.T) {
	bus := eventbus.New()
	pub := NewPublisher("origin", bus, newRegistry(t))
	var seen eventbus.EventPayload
	bus.Subscribe("x", func(_ context.Context, ev eventbus.EventPayload) error {
		seen = ev
		return nil
	})
	pub.Publish(context.Background(), eventbus.EventPayload{EventType: "x", TargetServers: []string{"finance-service"}})
	if !slices.Equal(seen.CrossServerTargets, []string{"finance-service"}) {
		t.Errorf("targets = %v", seen.CrossServerTargets)
	}
}

func TestPublish_EntityAndDocumentHelpers(t *testing.T) {
	bus := eventbus.New()
	pub := NewPublisher("origin", bus, newRegistry(t))
	var types []string
	bus.Observe(func(_ context.Context, ev eventbus.EventPayload) error {
		types = append(types, ev.EventType)
		return nil
	})

	ctx := context.Background()
	pub.PublishEntityCreated(ctx, "contract", "C-1", nil, "P1")
	pub.PublishEntityUpdated(ctx, "contract", "C-1", map[string]any{"value": 10}, "P1")
	pub.PublishEntityDeleted(ctx, "contract", "C-1", "P1")
	pub.PublishDocumentEvent(ctx, "DOC-1", "classified", nil, "P1")

	want := []string{"contract_created", "contract_updated", "contract_deleted", "document_classified"}
	if !slices.Equal(types, want) {
		t.Errorf("types = %v, want %v", types, want)
	}
}

func TestPublishTo_RecordsDeliveries(t *testing.T) {
	a := newPeer(t, http.StatusOK, http.StatusOK)
	reg := newRegistry(t)
	register(t, reg, "A", a)
	rec := &fakeRecorder{}
	pub := NewPublisher("origin", eventbus.New(), reg, WithDeliveryRecorder(rec))

	pub.PublishTo(context.Background(), []string{"A", "B"}, eventbus.EventPayload{EventType: "x"})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if want := map[string]string{"A": "delivered", "B": "failed"}; !maps.Equal(rec.deliveries, want) {
		t.Errorf("deliveries = %v, want %v", rec.deliveries, want)
	}
}
