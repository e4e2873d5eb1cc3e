package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"
)

func noop(context.Context) error { return nil }

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestValidateCron(t *testing.T) {
	valid := []string{
		"* * * * *",
		"0 * * * *",
		"*/5 * * * *",
		"30 4 1-15 * 1,3,5",
		"@hourly",
		"@every 90s",
		"CRON_TZ=Europe/London 0 9 * * 1-5",
	}
	for _, expr := range valid {
		if err := ValidateCron(expr); err != nil {
			t.Errorf("expected %q to be valid, got: %v", expr, err)
		}
	}

	invalid := []string{
		"",
		"* * *",
		"60 * * * *",
		"* 25 * * *",
		"abc * * * *",
		"CRON_TZ=Nowhere/City * * * * *",
	}
	for _, expr := range invalid {
		if err := ValidateCron(expr); err == nil {
			t.Errorf("expected %q to be invalid", expr)
		}
	}
}

func TestSpecExpression(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		want    string
		wantErr bool
	}{
		{"cron", Spec{Cron: "0 9 * * *"}, "0 9 * * *", false},
		{"cron with timezone", Spec{Cron: "0 9 * * *", Timezone: "America/New_York"}, "CRON_TZ=America/New_York 0 9 * * *", false},
		{"existing prefix kept", Spec{Cron: "TZ=UTC 0 9 * * *", Timezone: "Asia/Tokyo"}, "TZ=UTC 0 9 * * *", false},
		{"interval", Spec{Interval: 5 * time.Minute}, "@every 5m0s", false},
		{"cron wins over interval", Spec{Cron: "@daily", Interval: time.Hour}, "@daily", false},
		{"sub-second interval", Spec{Interval: 10 * time.Millisecond}, "", true},
		{"empty", Spec{}, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.spec.Expression()
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestCronScheduler_ScheduleAndRemove(t *testing.T) {
	s := NewCronScheduler()

	if err := s.Schedule("nightly", Spec{Cron: "0 2 * * *"}, noop); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	job, ok := s.Get("nightly")
	if !ok {
		t.Fatal("expected job to exist")
	}
	if job.Expression != "0 2 * * *" {
		t.Errorf("unexpected expression %q", job.Expression)
	}
	if job.NextRunAt == nil {
		t.Error("expected NextRunAt to be set")
	}

	// Re-scheduling replaces rather than duplicates.
	if err := s.Schedule("nightly", Spec{Interval: time.Hour}, noop); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if n := len(s.List()); n != 1 {
		t.Fatalf("expected 1 job, got %d", n)
	}
	if n := len(s.cron.Entries()); n != 1 {
		t.Fatalf("expected 1 cron entry, got %d", n)
	}

	if !s.Remove("nightly") {
		t.Error("expected remove to succeed")
	}
	if s.Remove("nightly") {
		t.Error("expected second remove to report false")
	}
	if n := len(s.cron.Entries()); n != 0 {
		t.Errorf("expected no cron entries, got %d", n)
	}
}

func TestCronScheduler_ScheduleValidation(t *testing.T) {
	s := NewCronScheduler()
	tests := []struct {
		name string
		id   string
		spec Spec
		fn   JobFunc
	}{
		{"missing id", "", Spec{Cron: "* * * * *"}, noop},
		{"missing func", "a", Spec{Cron: "* * * * *"}, nil},
		{"missing schedule", "a", Spec{}, noop},
		{"bad cron", "a", Spec{Cron: "bad"}, noop},
		{"bad timezone", "a", Spec{Cron: "* * * * *", Timezone: "Mars/Olympus"}, noop},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := s.Schedule(tc.id, tc.spec, tc.fn); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCronScheduler_ExecuteNow(t *testing.T) {
	s := NewCronScheduler()
	var calls atomic.Int32
	_ = s.Schedule("job", Spec{Cron: "@daily"}, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	rec, err := s.ExecuteNow(context.Background(), "job")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rec.Status != ExecStatusSuccess || !rec.Manual {
		t.Errorf("unexpected record %+v", rec)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
	job, _ := s.Get("job")
	if job.LastRunAt == nil {
		t.Error("expected LastRunAt to be set")
	}
	if h := s.History("job"); len(h) != 1 {
		t.Errorf("expected 1 history record, got %d", len(h))
	}
}

func TestCronScheduler_ExecuteNow_Failure(t *testing.T) {
	s := NewCronScheduler()
	_ = s.Schedule("job", Spec{Cron: "@daily"}, func(context.Context) error {
		return errors.New("boom")
	})

	rec, err := s.ExecuteNow(context.Background(), "job")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rec.Status != ExecStatusFailed || rec.Error != "boom" {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestCronScheduler_ExecuteNotFound(t *testing.T) {
	s := NewCronScheduler()
	if _, err := s.ExecuteNow(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestCronScheduler_TickOutsideWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(24 * time.Hour)
	s := NewCronScheduler(WithClock(fixedClock(now)))

	var calls atomic.Int32
	_ = s.Schedule("later", Spec{Interval: time.Minute, StartDate: &start}, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	s.tick("later")

	if calls.Load() != 0 {
		t.Error("job must not run before its start date")
	}
	h := s.History("later")
	if len(h) != 1 || h[0].Status != ExecStatusSkipped {
		t.Fatalf("expected one skipped record, got %+v", h)
	}
}

func TestCronScheduler_TickInsideWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(-time.Hour)
	end := now.Add(time.Hour)
	s := NewCronScheduler(WithClock(fixedClock(now)))

	var calls atomic.Int32
	_ = s.Schedule("active", Spec{Interval: time.Minute, StartDate: &start, EndDate: &end}, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	s.tick("active")

	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
	if h := s.History("active"); len(h) != 1 || h[0].Status != ExecStatusSuccess || h[0].Manual {
		t.Errorf("unexpected history %+v", h)
	}
}

func TestCronScheduler_HistoryLimit(t *testing.T) {
	s := NewCronScheduler(WithHistoryLimit(3))
	_ = s.Schedule("job", Spec{Cron: "@daily"}, noop)
	for range 5 {
		_, _ = s.ExecuteNow(context.Background(), "job")
	}
	if h := s.History("job"); len(h) != 3 {
		t.Errorf("expected 3 records, got %d", len(h))
	}
}

func TestCronScheduler_NextRuns(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewCronScheduler(WithClock(fixedClock(now)))

	times, err := s.NextRuns(Spec{Cron: "0 * * * *"}, 3)
	if err != nil {
		t.Fatalf("next runs: %v", err)
	}
	want := []time.Time{now.Add(time.Hour), now.Add(2 * time.Hour), now.Add(3 * time.Hour)}
	if len(times) != len(want) {
		t.Fatalf("expected %d times, got %d", len(want), len(times))
	}
	for i := range want {
		if !times[i].Equal(want[i]) {
			t.Errorf("run %d: expected %v, got %v", i, want[i], times[i])
		}
	}
}

func TestCronScheduler_NextRunsStopsAtEndDate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := now.Add(150 * time.Minute)
	s := NewCronScheduler(WithClock(fixedClock(now)))

	times, err := s.NextRuns(Spec{Cron: "0 * * * *", EndDate: &end}, 10)
	if err != nil {
		t.Fatalf("next runs: %v", err)
	}
	if len(times) != 2 {
		t.Errorf("expected 2 runs before end date, got %d", len(times))
	}
}

func TestCronScheduler_NextRunsInvalid(t *testing.T) {
	s := NewCronScheduler()
	if _, err := s.NextRuns(Spec{Cron: "bad"}, 3); err == nil {
		t.Error("expected error")
	}
}

func TestCronScheduler_StartStop(t *testing.T) {
	s := NewCronScheduler()
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func newTestMux(s *CronScheduler) *http.ServeMux {
	mux := http.NewServeMux()
	NewHandler(s).RegisterRoutes(mux)
	return mux
}

func TestHandler_ListJobs(t *testing.T) {
	s := NewCronScheduler()
	_ = s.Schedule("a", Spec{Cron: "@daily"}, noop)
	_ = s.Schedule("b", Spec{Interval: time.Hour}, noop)

	rec := httptest.NewRecorder()
	newTestMux(s).ServeHTTP(rec, httptest.NewRequest("GET", "/api/schedules", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Data  []Job `json:"data"`
		Total int   `json:"total"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 2 || resp.Data[0].ID != "a" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestHandler_GetJob(t *testing.T) {
	s := NewCronScheduler()
	_ = s.Schedule("a", Spec{Cron: "@daily"}, noop)
	mux := newTestMux(s)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/schedules/a", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/schedules/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_ExecuteAndHistory(t *testing.T) {
	s := NewCronScheduler()
	_ = s.Schedule("a", Spec{Cron: "@daily"}, noop)
	mux := newTestMux(s)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/schedules/a/execute", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/schedules/a/history", nil))
	if !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("expected one history record, got %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/schedules/missing/execute", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_Preview(t *testing.T) {
	mux := newTestMux(NewCronScheduler())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/schedules/preview?interval=15m&count=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data preview `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Expression != "@every 15m0s" || len(resp.Data.NextRuns) != 2 {
		t.Errorf("unexpected response %+v", resp)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/schedules/preview", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
