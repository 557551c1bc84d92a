package db

import "time"

// Invocation is a row in the invocations table.
type Invocation struct {
	ID           int64     `json:"id"`
	RequestID    string    `json:"request_id"`
	Operation    string    `json:"operation"`
	ClientName   string    `json:"client_name"`
	Role         string    `json:"role"`
	Ok           bool      `json:"ok"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	DurationMs   float64   `json:"duration_ms"`
	Created      time.Time `json:"created"`
}

// OperationSummary aggregates invocations of one operation.
type OperationSummary struct {
	Operation     string  `json:"operation"`
	Calls         int64   `json:"calls"`
	Failures      int64   `json:"failures"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}
