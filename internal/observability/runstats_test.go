package observability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/triage/model"
)

type fakeRunCounter struct {
	mu         sync.Mutex
	counts     map[model.RunStatus]int
	stale      int
	err        error
	staleErr   error
	calls      int
	lastCutoff time.Time
}

func (f *fakeRunCounter) CountByStatus(context.Context) (map[model.RunStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.counts, f.err
}

func (f *fakeRunCounter) CountStaleDrafts(_ context.Context, before time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCutoff = before
	return f.stale, f.staleErr
}

func (f *fakeRunCounter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRunStats_collectSetsGauges(t *testing.T) {
	m := InitMetrics(prometheus.NewRegistry())
	counter := &fakeRunCounter{
		counts: map[model.RunStatus]int{model.RunStatusDraft: 4, model.RunStatusCompleted: 2},
		stale:  3,
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewRunStats(counter, m, nil, 24*time.Hour)
	s.now = func() time.Time { return now }

	if err := s.Collect(context.Background()); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	if v := testutil.ToFloat64(m.RunsByStatus.WithLabelValues("DRAFT")); v != 4 {
		t.Errorf("DRAFT gauge = %v, want 4", v)
	}
	if v := testutil.ToFloat64(m.RunsByStatus.WithLabelValues("COMPLETED")); v != 2 {
		t.Errorf("COMPLETED gauge = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.RunsByStatus.WithLabelValues("REVIEWED")); v != 0 {
		t.Errorf("REVIEWED gauge = %v, want 0", v)
	}
	if v := testutil.ToFloat64(m.StaleDraftRuns); v != 3 {
		t.Errorf("abandoned gauge = %v, want 3", v)
	}
	if want := now.Add(-24 * time.Hour); !counter.lastCutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", counter.lastCutoff, want)
	}
}

func TestRunStats_collectErrorsLeaveGauges(t *testing.T) {
	m := InitMetrics(prometheus.NewRegistry())
	m.SetStaleDrafts(7)

	s := NewRunStats(&fakeRunCounter{err: errors.New("db down")}, m, nil, time.Hour)
	if err := s.Collect(context.Background()); err == nil {
		t.Fatal("expected error from CountByStatus")
	}

	s = NewRunStats(&fakeRunCounter{staleErr: errors.New("db down")}, m, nil, time.Hour)
	if err := s.Collect(context.Background()); err == nil {
		t.Fatal("expected error from CountStaleDrafts")
	}
	if v := testutil.ToFloat64(m.StaleDraftRuns); v != 7 {
		t.Errorf("abandoned gauge = %v, want unchanged 7", v)
	}
}

func TestRunStats_nilMetrics(t *testing.T) {
	s := NewRunStats(&fakeRunCounter{}, nil, nil, time.Hour)
	if err := s.Collect(context.Background()); err != nil {
		t.Errorf("Collect() error = %v", err)
	}
}

func TestRunStats_invalidSchedule(t *testing.T) {
	s := NewRunStats(&fakeRunCounter{}, nil, nil, time.Hour)
	if err := s.Start("not a schedule"); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	s.Stop()
}

func TestRunStats_startCollectsImmediately(t *testing.T) {
	counter := &fakeRunCounter{}
	s := NewRunStats(counter, nil, nil, time.Hour)
	if err := s.Start("*/5 * * * *"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for counter.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no collection after Start")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
