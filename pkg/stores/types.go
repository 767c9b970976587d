package stores

import "time"

// Transition is one entry of a workload's state history.
type Transition struct {
	ID         int64     `json:"id"`
	Workload   string    `json:"workload"`
	State      string    `json:"state"`
	Substatus  string    `json:"substatus"`
	Generation uint64    `json:"generation"`
	RecordedAt time.Time `json:"recorded_at"`
}

// BatchRecord is the persisted outcome of a desired-state batch.
type BatchRecord struct {
	RequestID  string    `json:"request_id"`
	Accepted   bool      `json:"accepted"`
	Code       string    `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
	Workloads  []string  `json:"workloads"`
	RecordedAt time.Time `json:"recorded_at"`
}
