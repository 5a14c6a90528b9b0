package results_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/saveenergy/losstest/internal/results"
	"github.com/saveenergy/losstest/pkg/types"
)

func newStore(t *testing.T, max int) *results.Store {
	t.Helper()
	store, err := results.New(filepath.Join(t.TempDir(), "history.db"), max)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func sampleReport(loss float64, end time.Time) *types.Report {
	return &types.Report{
		SchemaVersion: types.SchemaVersion,
		Status:        types.RunStatusCompleted,
		Config: types.RunConfig{
			Host:        "198.51.100.7",
			Port:        5000,
			Protocol:    types.ProtocolUDP,
			MessageSize: 64,
			Count:       100,
		},
		Summary: types.Summary{
			Sent:        100,
			Received:    100 - int64(loss),
			Lost:        int64(loss),
			LossPercent: loss,
			RTT:         types.RTTSummary{Count: 100 - int(loss), AvgMs: 12.5},
		},
		StartTime: end.Add(-time.Second),
		EndTime:   end,
	}
}

func TestSaveAndGet(t *testing.T) {
	store := newStore(t, 100)

	r := sampleReport(3, time.Now())
	id, err := store.Save(r)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("id %q is not a uuid: %v", id, err)
	}

	e, err := store.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e == nil {
		t.Fatal("entry not found")
	}
	if e.Target != "198.51.100.7:5000" || e.Protocol != "udp" || e.LossPercent != 3 {
		t.Fatalf("entry = %+v", e)
	}
	if e.Report == nil || e.Report.Summary.Lost != 3 || e.Report.Config.MessageSize != 64 {
		t.Fatalf("report = %+v", e.Report)
	}
}

func TestGetUnknownReturnsNil(t *testing.T) {
	store := newStore(t, 100)
	e, err := store.Get(uuid.NewString())
	if err != nil || e != nil {
		t.Fatalf("get unknown = %v, %v; want nil, nil", e, err)
	}
}

func TestSaveRejectsNonUUID(t *testing.T) {
	store := newStore(t, 100)
	r := sampleReport(0, time.Now())
	r.ID = "not-a-uuid"
	if _, err := store.Save(r); err == nil {
		t.Fatal("expected error for malformed id")
	}
}

func TestListNewestFirst(t *testing.T) {
	store := newStore(t, 100)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		if _, err := store.Save(sampleReport(float64(i), base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	entries, err := store.List(3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].LossPercent != 4 || entries[2].LossPercent != 2 {
		t.Fatalf("order = %v, %v, %v", entries[0].LossPercent, entries[1].LossPercent, entries[2].LossPercent)
	}
	if entries[0].Report != nil {
		t.Fatal("list should not load full reports")
	}
}

func TestPruneTrimsToMax(t *testing.T) {
	store := newStore(t, 2)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		if _, err := store.Save(sampleReport(float64(i), base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}
	store.Prune()

	entries, err := store.List(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries after prune = %d, want 2", len(entries))
	}
	if entries[1].LossPercent != 2 {
		t.Fatalf("oldest kept = %v, want 2", entries[1].LossPercent)
	}
}

func TestPruneDropsExpired(t *testing.T) {
	store := newStore(t, 100)
	if _, err := store.Save(sampleReport(1, time.Now().Add(-100*24*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Save(sampleReport(2, time.Now())); err != nil {
		t.Fatal(err)
	}
	store.Prune()

	entries, err := store.List(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].LossPercent != 2 {
		t.Fatalf("entries = %+v, want only the recent run", entries)
	}
}

func TestOpenCreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	store, err := results.Open(dir, 10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if err := store.Report(sampleReport(0, time.Now())); err != nil {
		t.Fatalf("report: %v", err)
	}
}

func TestDefaultDataDir(t *testing.T) {
	t.Setenv("LOSSTEST_DATA_DIR", "")
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg")
	if got := results.DefaultDataDir(); got != filepath.Join("/tmp/xdg", "losstest") {
		t.Fatalf("xdg data dir = %q", got)
	}
	t.Setenv("LOSSTEST_DATA_DIR", "/srv/losstest")
	if got := results.DefaultDataDir(); got != "/srv/losstest" {
		t.Fatalf("override data dir = %q", got)
	}
}
