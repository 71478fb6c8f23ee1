package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/playgate/internal/storage"
	"github.com/redis/go-redis/v9"
)

var (
	beginReport  = redis.NewScript(beginReportScript)
	finishReport = redis.NewScript(finishReportScript)
	failReport   = redis.NewScript(failReportScript)
)

type progressStore struct {
	client     *redis.Client
	ttlSeconds int64
	staleAfter time.Duration // a "sending" claim older than this may be retaken
}

// BeginReport claims a report for sending
func (s *progressStore) BeginReport(ctx context.Context, rec storage.ReportRecord) (bool, error) {
	at := rec.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}

	keys := []string{reportKey(rec.SessionID, rec.AttemptID), pendingReportsKey(rec.SessionID)}
	args := []interface{}{
		rec.SessionID,
		rec.AttemptID,
		rec.Level,
		string(rec.Payload),
		at.UnixMilli(),
		s.staleAfter.Milliseconds(),
		s.ttlSeconds,
	}

	claimed, err := beginReport.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("failed to claim report %s: %w", rec.AttemptID, err)
	}

	return claimed == 1, nil
}

// FinishReport marks a report as delivered with the ledger's outcome
func (s *progressStore) FinishReport(ctx context.Context, sessionID, attemptID, outcome string, at time.Time) error {
	keys := []string{reportKey(sessionID, attemptID), pendingReportsKey(sessionID)}
	args := []interface{}{attemptID, outcome, at.UnixMilli(), s.ttlSeconds}

	return finishReport.Run(ctx, s.client, keys, args...).Err()
}

// FailReport parks a report for a later retry
func (s *progressStore) FailReport(ctx context.Context, sessionID, attemptID string, at time.Time) error {
	keys := []string{reportKey(sessionID, attemptID), pendingReportsKey(sessionID)}
	args := []interface{}{attemptID, at.UnixMilli(), s.ttlSeconds}

	return failReport.Run(ctx, s.client, keys, args...).Err()
}

// GetReport returns the stored state of one report
func (s *progressStore) GetReport(ctx context.Context, sessionID, attemptID string) (*storage.ReportRecord, error) {
	data, err := s.client.HGetAll(ctx, reportKey(sessionID, attemptID)).Result()
	if err != nil {
		return nil, err
	}

	return parseReportRecord(data)
}

// ListPendingReports returns reports that still need delivery
func (s *progressStore) ListPendingReports(ctx context.Context, sessionID string) ([]storage.ReportRecord, error) {
	attemptIDs, err := s.client.SMembers(ctx, pendingReportsKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}

	if len(attemptIDs) == 0 {
		return []storage.ReportRecord{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(attemptIDs))

	for i, id := range attemptIDs {
		cmds[i] = pipe.HGetAll(ctx, reportKey(sessionID, id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	records := make([]storage.ReportRecord, 0, len(attemptIDs))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		rec, err := parseReportRecord(data)
		if err == nil && rec.Status == storage.ReportPending {
			records = append(records, *rec)
		}
	}

	return records, nil
}

// ClaimSeat marks an attempt as having requested seat consumption
func (s *progressStore) ClaimSeat(ctx context.Context, sessionID, attemptID string) (bool, error) {
	ttl := time.Duration(s.ttlSeconds) * time.Second
	return s.client.SetNX(ctx, seatKey(sessionID, attemptID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// ReleaseSeat drops a seat claim so a failed request can be retried
func (s *progressStore) ReleaseSeat(ctx context.Context, sessionID, attemptID string) error {
	return s.client.Del(ctx, seatKey(sessionID, attemptID)).Err()
}
