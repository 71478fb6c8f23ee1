package redis

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goodtune/playgate/internal/storage"
)

// parseReportRecord converts a Redis hash to ReportRecord
func parseReportRecord(data map[string]string) (*storage.ReportRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	level, err := strconv.Atoi(data["level"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse level: %w", err)
	}

	attempts := 0
	if v, ok := data["attempts"]; ok {
		attempts, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse attempts: %w", err)
		}
	}

	updatedMs, err := strconv.ParseInt(data["updated_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &storage.ReportRecord{
		SessionID: data["session_id"],
		AttemptID: data["attempt_id"],
		Level:     level,
		Status:    storage.ReportStatus(data["status"]),
		Outcome:   data["outcome"],
		Payload:   []byte(data["payload"]),
		Attempts:  attempts,
		UpdatedAt: time.UnixMilli(updatedMs),
	}, nil
}

// parseLevels converts set members to sorted level numbers
func parseLevels(members []string) ([]int, error) {
	levels := make([]int, 0, len(members))
	for _, m := range members {
		level, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("failed to parse level %q: %w", m, err)
		}
		levels = append(levels, level)
	}

	sort.Ints(levels)
	return levels, nil
}
