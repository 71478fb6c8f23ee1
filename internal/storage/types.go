package storage

import "time"

// ReportStatus tracks a level report through its delivery.
type ReportStatus string

const (
	ReportSending  ReportStatus = "sending"
	ReportPending  ReportStatus = "pending"
	ReportReported ReportStatus = "reported"
)

// ReportRecord is the stored state of one level report.
type ReportRecord struct {
	SessionID string       `json:"session_id"`
	AttemptID string       `json:"attempt_id"`
	Level     int          `json:"level"`
	Status    ReportStatus `json:"status"`
	Outcome   string       `json:"outcome,omitempty"`
	Payload   []byte       `json:"payload"`
	Attempts  int          `json:"attempts"`
	UpdatedAt time.Time    `json:"updated_at"`
}
