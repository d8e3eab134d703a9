package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/alerts"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedConversations(t *testing.T, st *store.Store, variant, startedAt string, n int, bookingEvery int) {
	t.Helper()
	for i := 0; i < n; i++ {
		id, err := st.InsertConversation(&store.Conversation{
			SessionID: fmt.Sprintf("%s-%s-%d", variant, startedAt, i),
			Variant:   variant, Version: 1, Status: "completed", StartedAt: startedAt,
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := st.UpdateConversationRolling(id, 2, 100, 0.001); err != nil {
			t.Fatal(err)
		}
		if bookingEvery > 0 && i%bookingEvery == 0 {
			if err := st.SetBookingCompleted(id); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func TestDriftInsufficientData(t *testing.T) {
	st := openTestStore(t)
	d := NewDetector(st, nil)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	seedConversations(t, st, "baseline", "2026-08-20T12:00:00Z", 10, 2)

	rep, err := d.Detect("baseline")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !rep.InsufficientData || rep.Drifted {
		t.Errorf("report = %+v", rep)
	}
}

func TestDriftBookingRateCollapse(t *testing.T) {
	st := openTestStore(t)
	d := NewDetector(st, alerts.New())
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	// Baseline week books every other conversation; the last day books
	// one in ten.
	seedConversations(t, st, "baseline", "2026-08-20T12:00:00Z", 60, 2)
	seedConversations(t, st, "baseline", "2026-08-24T06:00:00Z", 60, 10)

	rep, err := d.Detect("baseline")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !rep.Drifted {
		t.Fatalf("no drift detected: %+v", rep)
	}
	found := false
	for _, typ := range rep.Types {
		if typ == "booking_rate" {
			found = true
		}
	}
	if !found {
		t.Errorf("types = %v", rep.Types)
	}
	// Booking rate fell by far more than double its threshold.
	if rep.Severity != DriftHigh {
		t.Errorf("severity = %s", rep.Severity)
	}

	// The drifted report was persisted.
	rows, err := st.ListDriftDetections("baseline", 5)
	if err != nil {
		t.Fatalf("ListDriftDetections: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("persisted rows = %d", len(rows))
	}
}

func TestDriftStableVariantClean(t *testing.T) {
	st := openTestStore(t)
	d := NewDetector(st, nil)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	seedConversations(t, st, "baseline", "2026-08-20T12:00:00Z", 60, 2)
	seedConversations(t, st, "baseline", "2026-08-24T06:00:00Z", 60, 2)

	rep, err := d.Detect("baseline")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if rep.Drifted {
		t.Errorf("stable variant flagged: %+v", rep)
	}
}

func TestDriftResultCached(t *testing.T) {
	st := openTestStore(t)
	d := NewDetector(st, nil)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	seedConversations(t, st, "baseline", "2026-08-20T12:00:00Z", 60, 2)
	seedConversations(t, st, "baseline", "2026-08-24T06:00:00Z", 60, 2)

	first, err := d.Detect("baseline")
	if err != nil {
		t.Fatal(err)
	}

	// New data inside the cache TTL is not seen.
	seedConversations(t, st, "baseline", "2026-08-24T11:00:00Z", 60, 60)
	second, err := d.Detect("baseline")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("expected cached report")
	}

	d.ClearCache("baseline")
	third, err := d.Detect("baseline")
	if err != nil {
		t.Fatal(err)
	}
	if third == first {
		t.Error("cache clear did not force re-analysis")
	}
}

func TestClearCacheScopedToVariant(t *testing.T) {
	st := openTestStore(t)
	d := NewDetector(st, nil)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	seedConversations(t, st, "baseline", "2026-08-20T12:00:00Z", 60, 2)
	seedConversations(t, st, "baseline", "2026-08-24T06:00:00Z", 60, 2)
	seedConversations(t, st, "professional", "2026-08-20T12:00:00Z", 60, 2)
	seedConversations(t, st, "professional", "2026-08-24T06:00:00Z", 60, 2)

	firstA, err := d.Detect("baseline")
	if err != nil {
		t.Fatal(err)
	}
	firstB, err := d.Detect("professional")
	if err != nil {
		t.Fatal(err)
	}

	// Clearing one variant leaves the other's cached report in place.
	d.ClearCache("professional")
	if again, _ := d.Detect("baseline"); again != firstA {
		t.Error("unrelated variant lost its cached report")
	}
	if again, _ := d.Detect("professional"); again == firstB {
		t.Error("cleared variant still served the cached report")
	}

	// Empty variant clears everything.
	d.ClearCache("")
	if again, _ := d.Detect("baseline"); again == firstA {
		t.Error("global clear missed a variant")
	}
}

func TestDeltaIsDirectional(t *testing.T) {
	// A booking rate climbing from 0.50 to 0.62 is an improvement.
	if m := delta(0.50, 0.62, 0.10, driftOnDrop); m.Drifted {
		t.Errorf("rising booking rate flagged: %+v", m)
	}
	if m := delta(0.50, 0.40, 0.10, driftOnDrop); !m.Drifted || m.Change >= 0 {
		t.Errorf("falling booking rate missed: %+v", m)
	}
	// Costs moving down is savings, not drift.
	if m := delta(0.010, 0.006, 0.20, driftOnRise); m.Drifted {
		t.Errorf("falling cost flagged: %+v", m)
	}
	if m := delta(0.010, 0.013, 0.20, driftOnRise); !m.Drifted {
		t.Errorf("rising cost missed: %+v", m)
	}
	// The threshold itself drifts (inclusive bound).
	if m := delta(100, 90, 0.10, driftOnDrop); !m.Drifted {
		t.Errorf("exact threshold drop missed: %+v", m)
	}
}

func TestDriftIgnoresImprovement(t *testing.T) {
	st := openTestStore(t)
	d := NewDetector(st, nil)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	// Bookings jump from one-in-ten to one-in-two in the recent window.
	seedConversations(t, st, "baseline", "2026-08-20T12:00:00Z", 60, 10)
	seedConversations(t, st, "baseline", "2026-08-24T06:00:00Z", 60, 2)

	rep, err := d.Detect("baseline")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if rep.Drifted {
		t.Errorf("improving variant flagged: %+v", rep)
	}
}

func TestChiSquared(t *testing.T) {
	base := map[string]int{"continue": 70, "collect_info": 20, "book_appointment": 10}

	same := map[string]int{"continue": 35, "collect_info": 10, "book_appointment": 5}
	if chi2 := chiSquared(base, same); chi2 > chiSquaredCritical {
		t.Errorf("proportional distribution flagged: %f", chi2)
	}

	shifted := map[string]int{"continue": 10, "collect_info": 10, "escalate": 80}
	if chi2 := chiSquared(base, shifted); chi2 <= chiSquaredCritical {
		t.Errorf("shifted distribution passed: %f", chi2)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	st := openTestStore(t)
	r := NewRegistry(st)

	v1, err := r.Register("baseline", "prompt one", nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	v2, err := r.Register("baseline", "prompt two", map[string]string{"note": "tuned"})
	if err != nil {
		t.Fatalf("Register v2: %v", err)
	}
	if v1.Version != 1 || v2.Version != 2 {
		t.Errorf("versions = %d, %d", v1.Version, v2.Version)
	}

	if err := r.Activate("baseline", 2); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	active, err := r.Active("baseline")
	if err != nil || active == nil || active.Version != 2 {
		t.Fatalf("active = %+v err = %v", active, err)
	}

	// Rollback lands on the next version down.
	target, err := r.Rollback("baseline")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if target.Version != 1 {
		t.Errorf("rollback target = %d", target.Version)
	}
	if _, err := r.Rollback("baseline"); !errors.Is(err, ErrNoRollbackTarget) {
		t.Errorf("rollback past v1: %v", err)
	}
}

func TestRegistryTagIdempotent(t *testing.T) {
	st := openTestStore(t)
	r := NewRegistry(st)

	if _, err := r.Register("baseline", "prompt", nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Tag("baseline", 1, "stable", "passed canary"); err != nil {
		t.Fatalf("Tag: %v", err)
	}
	if err := r.Tag("baseline", 1, "stable", "passed canary"); err != nil {
		t.Fatalf("repeat Tag: %v", err)
	}
	if err := r.Tag("baseline", 9, "stable", "x"); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("tag unknown version: %v", err)
	}

	versions, err := r.List("baseline")
	if err != nil {
		t.Fatal(err)
	}
	if versions[0].Tags == nil {
		t.Fatal("tags not stored")
	}
}

func TestRegistryCompare(t *testing.T) {
	st := openTestStore(t)
	r := NewRegistry(st)

	for i := 1; i <= 2; i++ {
		if _, err := r.Register("baseline", fmt.Sprintf("prompt %d", i), nil); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 4; i++ {
		id, err := st.InsertConversation(&store.Conversation{
			SessionID: fmt.Sprintf("cmp-%d", i), Variant: "baseline",
			Version: 1 + i%2, Status: "completed", StartedAt: "2026-08-24T10:00:00Z",
		})
		if err != nil {
			t.Fatal(err)
		}
		if i%2 == 1 {
			if err := st.SetBookingCompleted(id); err != nil {
				t.Fatal(err)
			}
		}
	}

	cmp, err := r.Compare("baseline", 1, 2)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if cmp.A.Conversations != 2 || cmp.B.Conversations != 2 {
		t.Errorf("counts = %d, %d", cmp.A.Conversations, cmp.B.Conversations)
	}
	if cmp.A.BookingRate != 0 || cmp.B.BookingRate != 1 {
		t.Errorf("booking = %f, %f", cmp.A.BookingRate, cmp.B.BookingRate)
	}

	if _, err := r.Compare("baseline", 1, 9); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("compare unknown: %v", err)
	}
}

type fixedEvaluator struct{ score float64 }

func (f *fixedEvaluator) Evaluate(_ context.Context, _, _ string, _ []EvalCase) (float64, error) {
	return f.score, nil
}

func tenCases() []EvalCase {
	cases := make([]EvalCase, 10)
	for i := range cases {
		cases[i] = EvalCase{Input: fmt.Sprintf("case %d", i), ExpectedAction: "continue"}
	}
	return cases
}

func TestShouldRetrain(t *testing.T) {
	st := openTestStore(t)
	o := NewOrchestrator(st, NewRegistry(st), &fixedEvaluator{0.9}, "model", tenCases())
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }

	ok, reason, err := o.ShouldRetrain("baseline")
	if err != nil || ok {
		t.Errorf("no history: ok=%v reason=%q err=%v", ok, reason, err)
	}

	if _, err := st.InsertDriftDetection(&store.DriftDetection{
		Variant: "baseline", DriftTypes: "booking_rate", Severity: DriftHigh,
		BaselineWindow: "7d", RecentWindow: "24h", Metrics: "{}",
		CreatedAt: "2026-08-24T10:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}
	ok, reason, err = o.ShouldRetrain("baseline")
	if err != nil || !ok {
		t.Errorf("high drift: ok=%v reason=%q err=%v", ok, reason, err)
	}

	// A fresh retraining session imposes the cooldown.
	if _, err := st.InsertRetrainingSession(&store.RetrainingSession{
		SessionID: "rs-1", Variant: "baseline", Version: 1,
		Status: "promoted", StartedAt: "2026-08-23T12:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}
	ok, reason, _ = o.ShouldRetrain("baseline")
	if ok || reason != "cooldown active" {
		t.Errorf("cooldown ignored: ok=%v reason=%q", ok, reason)
	}
}

func seedFailedConversations(t *testing.T, st *store.Store) {
	t.Helper()
	for i := 0; i < 5; i++ {
		id, err := st.InsertConversation(&store.Conversation{
			SessionID: fmt.Sprintf("fail-%d", i), Variant: "baseline",
			Version: 1, Status: "escalated", StartedAt: "2026-08-23T10:00:00Z",
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := st.SetEscalated(id); err != nil {
			t.Fatal(err)
		}
		if _, err := st.InsertMessage(&store.Message{
			ConversationID: id, Role: "user",
			Content:   "why is the price so expensive? I just wanted a quote",
			CreatedAt: "2026-08-23T10:01:00Z",
		}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRetrainingFlow(t *testing.T) {
	st := openTestStore(t)
	r := NewRegistry(st)
	o := NewOrchestrator(st, r, &fixedEvaluator{0.9}, "model", tenCases())
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }

	if _, err := r.Register("baseline", "You are a scheduler.", nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Activate("baseline", 1); err != nil {
		t.Fatal(err)
	}
	seedFailedConversations(t, st)

	rep, err := o.Start(context.Background(), "baseline")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rep.Status != "shadow_testing" || rep.NewVersion != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.FailureCounts["pricing"] == 0 {
		t.Errorf("pricing failures not detected: %v", rep.FailureCounts)
	}
	if len(rep.AppliedGuidance) == 0 || rep.AppliedGuidance[0] != "pricing" {
		t.Errorf("guidance = %v", rep.AppliedGuidance)
	}

	// The candidate is registered but the old version still serves.
	active, err := r.Active("baseline")
	if err != nil || active.Version != 1 {
		t.Fatalf("active = %+v err = %v", active, err)
	}

	if err := o.Finalize(rep.SessionID, true, "shadow clean"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	active, err = r.Active("baseline")
	if err != nil || active.Version != 2 {
		t.Errorf("after promote active = %+v err = %v", active, err)
	}

	session, err := st.GetRetrainingSession(rep.SessionID)
	if err != nil || session == nil {
		t.Fatalf("session: %v", err)
	}
	if session.Status != "promoted" || !session.Success || session.CompletedAt == nil {
		t.Errorf("session = %+v", session)
	}
}

func TestRetrainingFailsLowEvalScore(t *testing.T) {
	st := openTestStore(t)
	r := NewRegistry(st)
	o := NewOrchestrator(st, r, &fixedEvaluator{0.5}, "model", tenCases())
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }

	if _, err := r.Register("baseline", "prompt", nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Activate("baseline", 1); err != nil {
		t.Fatal(err)
	}

	rep, err := o.Start(context.Background(), "baseline")
	if err == nil {
		t.Fatal("low eval score should fail")
	}
	if rep == nil || rep.Status != "failed" {
		t.Errorf("report = %+v", rep)
	}

	session, err := st.LatestRetrainingSession("baseline")
	if err != nil || session == nil || session.Status != "failed" {
		t.Errorf("session = %+v err = %v", session, err)
	}
}

func TestRetrainingCooldownBlocksStart(t *testing.T) {
	st := openTestStore(t)
	r := NewRegistry(st)
	o := NewOrchestrator(st, r, &fixedEvaluator{0.9}, "model", tenCases())
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }

	if _, err := st.InsertRetrainingSession(&store.RetrainingSession{
		SessionID: "rs-prev", Variant: "baseline", Version: 1,
		Status: "promoted", StartedAt: "2026-08-22T12:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := o.Start(context.Background(), "baseline"); !errors.Is(err, ErrRetrainingCooldown) {
		t.Errorf("err = %v, want cooldown", err)
	}
}
