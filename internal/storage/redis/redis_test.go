package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/playgate/internal/config"
	"github.com/goodtune/playgate/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so it is passed as the host
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
		KeyTTL:       "1h",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func TestOpen_InvalidKeyTTL(t *testing.T) {
	mr := miniredis.RunT(t)

	_, err := Open(config.RedisConfig{
		Host:         mr.Addr(),
		DialTimeout:  "1s",
		ReadTimeout:  "1s",
		WriteTimeout: "1s",
		KeyTTL:       "soon",
	})
	if err == nil {
		t.Fatal("Expected error for invalid key_ttl")
	}
}

func TestSessionStore_SaveLoad(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()

	if _, err := sessions.Load(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing session, got %v", err)
	}

	err := sessions.Save(ctx, "s-1", map[string]string{
		"verified":   "1",
		"code":       "4573-DTE2-R232",
		"grant_kind": "trial",
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := sessions.Load(ctx, "s-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if data["code"] != "4573-DTE2-R232" {
		t.Errorf("Expected code to round trip, got %q", data["code"])
	}
	if data["verified"] != "1" {
		t.Errorf("Expected verified=1, got %q", data["verified"])
	}

	if ttl := mr.TTL("playgate:session:s-1"); ttl != time.Hour {
		t.Errorf("Expected 1h TTL, got %v", ttl)
	}

	if err := sessions.Remove(ctx, "s-1", "verified", "code"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	data, err = sessions.Load(ctx, "s-1")
	if err != nil {
		t.Fatalf("Load after remove failed: %v", err)
	}
	if _, ok := data["code"]; ok {
		t.Error("Expected code to be removed")
	}
	if data["grant_kind"] != "trial" {
		t.Error("Expected untouched field to remain")
	}
}

func TestSessionStore_CompletedLevels(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()

	for _, level := range []int{2, 1, 2} {
		if err := sessions.AddCompletedLevel(ctx, "s-2", level); err != nil {
			t.Fatalf("AddCompletedLevel failed: %v", err)
		}
	}

	levels, err := sessions.CompletedLevels(ctx, "s-2")
	if err != nil {
		t.Fatalf("CompletedLevels failed: %v", err)
	}
	if len(levels) != 2 || levels[0] != 1 || levels[1] != 2 {
		t.Errorf("Expected [1 2], got %v", levels)
	}

	if !mr.Exists("playgate:session:s-2:levels") {
		t.Fatal("Expected levels set to exist")
	}

	if err := sessions.Clear(ctx, "s-2"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if mr.Exists("playgate:session:s-2:levels") {
		t.Error("Expected Clear to remove the levels set")
	}

	levels, err = sessions.CompletedLevels(ctx, "s-2")
	if err != nil {
		t.Fatalf("CompletedLevels after clear failed: %v", err)
	}
	if len(levels) != 0 {
		t.Errorf("Expected no levels after clear, got %v", levels)
	}
}

func TestSessionStore_Expiry(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()

	if err := sessions.Save(ctx, "s-3", map[string]string{"code": "X"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	mr.FastForward(2 * time.Hour)

	if _, err := sessions.Load(ctx, "s-3"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected session to expire with the browser session, got %v", err)
	}
}

func TestProgressStore_ReportLifecycle(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	progress := store.Progress()
	now := time.Now()

	rec := storage.ReportRecord{
		SessionID: "s-1",
		AttemptID: "a-1",
		Level:     1,
		Payload:   []byte(`{"level":1}`),
		UpdatedAt: now,
	}

	claimed, err := progress.BeginReport(ctx, rec)
	if err != nil {
		t.Fatalf("BeginReport failed: %v", err)
	}
	if !claimed {
		t.Fatal("Expected first claim to succeed")
	}

	claimed, err = progress.BeginReport(ctx, rec)
	if err != nil {
		t.Fatalf("Second BeginReport failed: %v", err)
	}
	if claimed {
		t.Error("Expected concurrent claim to be refused while sending")
	}

	if err := progress.FailReport(ctx, "s-1", "a-1", now); err != nil {
		t.Fatalf("FailReport failed: %v", err)
	}

	pending, err := progress.ListPendingReports(ctx, "s-1")
	if err != nil {
		t.Fatalf("ListPendingReports failed: %v", err)
	}
	if len(pending) != 1 || pending[0].AttemptID != "a-1" {
		t.Fatalf("Expected one pending report, got %+v", pending)
	}
	if string(pending[0].Payload) != `{"level":1}` {
		t.Errorf("Expected payload to be kept, got %s", pending[0].Payload)
	}

	claimed, err = progress.BeginReport(ctx, rec)
	if err != nil || !claimed {
		t.Fatalf("Expected pending report to be reclaimable, got %v %v", claimed, err)
	}

	if err := progress.FinishReport(ctx, "s-1", "a-1", "accepted", now); err != nil {
		t.Fatalf("FinishReport failed: %v", err)
	}

	got, err := progress.GetReport(ctx, "s-1", "a-1")
	if err != nil {
		t.Fatalf("GetReport failed: %v", err)
	}
	if got.Status != storage.ReportReported {
		t.Errorf("Expected reported status, got %s", got.Status)
	}
	if got.Outcome != "accepted" {
		t.Errorf("Expected accepted outcome, got %s", got.Outcome)
	}
	if got.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", got.Attempts)
	}

	claimed, err = progress.BeginReport(ctx, rec)
	if err != nil {
		t.Fatalf("BeginReport after finish failed: %v", err)
	}
	if claimed {
		t.Error("Expected reported attempt never to be claimed again")
	}

	pending, _ = progress.ListPendingReports(ctx, "s-1")
	if len(pending) != 0 {
		t.Errorf("Expected no pending reports, got %d", len(pending))
	}
}

func TestProgressStore_StaleSendingIsReclaimed(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	progress := store.Progress()
	start := time.Now()

	rec := storage.ReportRecord{SessionID: "s-1", AttemptID: "a-9", Level: 2, UpdatedAt: start}
	if ok, err := progress.BeginReport(ctx, rec); err != nil || !ok {
		t.Fatalf("Expected first claim, got %v %v", ok, err)
	}

	rec.UpdatedAt = start.Add(5 * time.Minute)
	ok, err := progress.BeginReport(ctx, rec)
	if err != nil {
		t.Fatalf("BeginReport failed: %v", err)
	}
	if !ok {
		t.Error("Expected a stale in-flight claim to be retaken")
	}
}

func TestProgressStore_SeatClaims(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	progress := store.Progress()

	ok, err := progress.ClaimSeat(ctx, "s-1", "a-1")
	if err != nil || !ok {
		t.Fatalf("Expected first seat claim, got %v %v", ok, err)
	}

	ok, err = progress.ClaimSeat(ctx, "s-1", "a-1")
	if err != nil {
		t.Fatalf("ClaimSeat failed: %v", err)
	}
	if ok {
		t.Error("Expected duplicate seat claim to be refused")
	}

	if err := progress.ReleaseSeat(ctx, "s-1", "a-1"); err != nil {
		t.Fatalf("ReleaseSeat failed: %v", err)
	}

	ok, _ = progress.ClaimSeat(ctx, "s-1", "a-1")
	if !ok {
		t.Error("Expected claim after release to succeed")
	}
}
