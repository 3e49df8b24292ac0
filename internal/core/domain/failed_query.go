package domain

import "time"

// FailedQuery is a journal entry for a query that ended in a terminal error.
type FailedQuery struct {
	ID           string         `json:"id"`
	CallID       string         `json:"call_id"`
	Broker       BrokerID       `json:"broker"`
	InstrumentID string         `json:"instrument_id"`
	Kind         QueryKind      `json:"kind"`
	ErrorKind    string         `json:"error_kind"`
	Error        string         `json:"error_msg"`
	Attempts     []AttemptEntry `json:"attempts"`
	CreatedAt    time.Time      `json:"created_at"`
}

// AttemptEntry is the persisted form of a single attempt.
type AttemptEntry struct {
	Number  int           `json:"number"`
	Kind    string        `json:"kind"`
	Cause   string        `json:"cause,omitempty"`
	Delay   time.Duration `json:"delay"`
	Latency time.Duration `json:"latency"`
}
