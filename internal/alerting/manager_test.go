package alerting

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opsconductor/opsconductor/internal/models"
	"github.com/opsconductor/opsconductor/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(store.Config{DBPath: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	mgr := NewManager(st, ttl)
	t.Cleanup(mgr.Stop)
	return mgr, st
}

func testRaise(fingerprint string) *models.NormalizedAlert {
	return &models.NormalizedAlert{
		SourceSystem:  "prtg",
		SourceAlertID: "42",
		DeviceIP:      "10.1.1.1",
		DeviceName:    "sw1",
		Severity:      models.SeverityCritical,
		Category:      models.CategoryNetwork,
		AlertType:     "prtg_ping_down",
		Title:         "sw1 ping Down",
		Message:       "ping",
		OccurredAt:    time.Now(),
		Fingerprint:   fingerprint,
	}
}

func testClear(fingerprint string) *models.NormalizedAlert {
	a := testRaise(fingerprint)
	a.Severity = models.SeverityClear
	a.IsClear = true
	return a
}

func TestRaiseThenClear(t *testing.T) {
	mgr, st := newTestManager(t, 0)
	ctx := context.Background()
	fp := "fp-raise-clear"

	res, err := mgr.ProcessAlert(ctx, testRaise(fp))
	if err != nil {
		t.Fatalf("raise failed: %v", err)
	}
	if res.Action != ActionRaised {
		t.Fatalf("action = %s, want raised", res.Action)
	}
	if res.Alert.Status != models.StatusActive {
		t.Errorf("status = %s, want active", res.Alert.Status)
	}

	res, err = mgr.ProcessAlert(ctx, testClear(fp))
	if err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if res.Action != ActionResolved {
		t.Fatalf("action = %s, want resolved", res.Action)
	}

	if _, err := st.GetLiveByFingerprint(ctx, fp); err == nil {
		t.Error("live row must be gone after clear")
	}
	count, err := st.CountHistoryByFingerprint(ctx, fp, models.StatusResolved)
	if err != nil {
		t.Fatalf("history count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("history rows = %d, want exactly 1", count)
	}
}

func TestDuplicateRaiseDeduplicates(t *testing.T) {
	mgr, st := newTestManager(t, 0)
	ctx := context.Background()
	fp := "fp-dedup"

	first, err := mgr.ProcessAlert(ctx, testRaise(fp))
	if err != nil {
		t.Fatalf("first raise failed: %v", err)
	}
	second, err := mgr.ProcessAlert(ctx, testRaise(fp))
	if err != nil {
		t.Fatalf("second raise failed: %v", err)
	}

	if second.Action != ActionDeduplicated {
		t.Fatalf("action = %s, want deduplicated", second.Action)
	}
	if second.Alert.ID != first.Alert.ID {
		t.Errorf("dedup produced a new row: %d vs %d", second.Alert.ID, first.Alert.ID)
	}
	if second.Alert.OccurrenceCount != 2 {
		t.Errorf("occurrenceCount = %d, want 2", second.Alert.OccurrenceCount)
	}

	active, err := st.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active failed: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("active rows = %d, want 1", len(active))
	}
}

func TestConcurrentRaisesCollapseToOneAlert(t *testing.T) {
	mgr, st := newTestManager(t, 0)
	ctx := context.Background()
	fp := "fp-concurrent"
	const raisers = 8

	// All raisers share one fingerprint; the unique index picks a winner and
	// every loser must land as a dedup bump, never an error.
	results := make([]*Result, raisers)
	errs := make([]error, raisers)
	var wg sync.WaitGroup
	for i := 0; i < raisers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = mgr.ProcessAlert(ctx, testRaise(fp))
		}(i)
	}
	wg.Wait()

	var raised, deduped int
	for i := 0; i < raisers; i++ {
		if errs[i] != nil {
			t.Fatalf("raiser %d failed: %v", i, errs[i])
		}
		switch results[i].Action {
		case ActionRaised:
			raised++
		case ActionDeduplicated:
			deduped++
		default:
			t.Fatalf("raiser %d: action = %s", i, results[i].Action)
		}
	}
	if raised != 1 || deduped != raisers-1 {
		t.Errorf("raised = %d, deduplicated = %d, want 1 and %d", raised, deduped, raisers-1)
	}

	active, err := st.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active failed: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active rows = %d, want 1", len(active))
	}
	if active[0].OccurrenceCount != raisers {
		t.Errorf("occurrenceCount = %d, want %d", active[0].OccurrenceCount, raisers)
	}
}

func TestDedupTakesNewestSeverity(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	ctx := context.Background()
	fp := "fp-severity"

	warn := testRaise(fp)
	warn.Severity = models.SeverityWarning
	if _, err := mgr.ProcessAlert(ctx, warn); err != nil {
		t.Fatalf("warning raise failed: %v", err)
	}

	crit := testRaise(fp)
	res, err := mgr.ProcessAlert(ctx, crit)
	if err != nil {
		t.Fatalf("critical raise failed: %v", err)
	}
	if res.Alert.Severity != models.SeverityCritical {
		t.Errorf("severity = %s, want newest-wins critical", res.Alert.Severity)
	}
}

func TestOrphanClearIgnored(t *testing.T) {
	mgr, st := newTestManager(t, 0)
	ctx := context.Background()

	res, err := mgr.ProcessAlert(ctx, testClear("fp-never-raised"))
	if err != nil {
		t.Fatalf("orphan clear must not error: %v", err)
	}
	if res.Action != ActionIgnored {
		t.Errorf("action = %s, want ignored", res.Action)
	}

	count, err := st.CountHistoryByFingerprint(ctx, "fp-never-raised", models.StatusResolved)
	if err != nil {
		t.Fatalf("history count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("orphan clear wrote %d history rows", count)
	}
}

func TestAcknowledgedAlertStillClears(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	ctx := context.Background()
	fp := "fp-ack"

	res, err := mgr.ProcessAlert(ctx, testRaise(fp))
	if err != nil {
		t.Fatalf("raise failed: %v", err)
	}

	acked, err := mgr.Acknowledge(ctx, res.Alert.ID, "alice")
	if err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	if acked.Status != models.StatusAcknowledged || acked.AcknowledgedBy != "alice" {
		t.Errorf("unexpected ack state: %+v", acked)
	}

	cleared, err := mgr.ProcessAlert(ctx, testClear(fp))
	if err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if cleared.Action != ActionResolved {
		t.Errorf("acknowledged alert must still resolve on clear, got %s", cleared.Action)
	}
}

func TestAcknowledgeUnknownAlert(t *testing.T) {
	mgr, _ := newTestManager(t, 0)
	if _, err := mgr.Acknowledge(context.Background(), 9999, "alice"); err == nil {
		t.Fatal("acknowledging a missing alert must fail")
	}
}

func TestManualResolve(t *testing.T) {
	mgr, st := newTestManager(t, 0)
	ctx := context.Background()
	fp := "fp-manual"

	res, err := mgr.ProcessAlert(ctx, testRaise(fp))
	if err != nil {
		t.Fatalf("raise failed: %v", err)
	}

	resolved, err := mgr.Resolve(ctx, res.Alert.ID)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved.Status != models.StatusResolved {
		t.Errorf("status = %s, want resolved", resolved.Status)
	}
	if _, err := st.GetLiveByFingerprint(ctx, fp); err == nil {
		t.Error("live row must be gone after manual resolve")
	}
}

func TestRaiseAfterClearCreatesNewAlert(t *testing.T) {
	mgr, st := newTestManager(t, 0)
	ctx := context.Background()
	fp := "fp-flap"

	if _, err := mgr.ProcessAlert(ctx, testRaise(fp)); err != nil {
		t.Fatalf("first raise failed: %v", err)
	}
	if _, err := mgr.ProcessAlert(ctx, testClear(fp)); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	res, err := mgr.ProcessAlert(ctx, testRaise(fp))
	if err != nil {
		t.Fatalf("re-raise failed: %v", err)
	}
	if res.Action != ActionRaised {
		t.Errorf("re-raise after clear = %s, want a fresh raise", res.Action)
	}
	if res.Alert.OccurrenceCount != 1 {
		t.Errorf("fresh raise occurrenceCount = %d, want 1", res.Alert.OccurrenceCount)
	}

	active, err := st.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active failed: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("active rows = %d, want 1", len(active))
	}
}

func TestRaisedCallbackFires(t *testing.T) {
	mgr, _ := newTestManager(t, 0)

	got := make(chan *models.StoredAlert, 1)
	mgr.SetRaisedCallback(func(a *models.StoredAlert, deduplicated bool) {
		got <- a
	})

	if _, err := mgr.ProcessAlert(context.Background(), testRaise("fp-callback")); err != nil {
		t.Fatalf("raise failed: %v", err)
	}

	select {
	case a := <-got:
		if a.Fingerprint != "fp-callback" {
			t.Errorf("callback alert fingerprint = %s", a.Fingerprint)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("raised callback not invoked")
	}
}

func TestExpirySweep(t *testing.T) {
	mgr, st := newTestManager(t, time.Nanosecond)
	ctx := context.Background()
	fp := "fp-expiry"

	if _, err := mgr.ProcessAlert(ctx, testRaise(fp)); err != nil {
		t.Fatalf("raise failed: %v", err)
	}

	// expires_at has one-second resolution; wait for the boundary to pass.
	time.Sleep(1100 * time.Millisecond)
	mgr.sweepExpired()

	if _, err := st.GetLiveByFingerprint(ctx, fp); err == nil {
		t.Error("expired alert must leave the live table")
	}
	count, err := st.CountHistoryByFingerprint(ctx, fp, models.StatusExpired)
	if err != nil {
		t.Fatalf("history count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expired history rows = %d, want 1", count)
	}
}
