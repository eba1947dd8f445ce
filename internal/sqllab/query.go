package sqllab

import "time"

// Status is the lifecycle state of a submitted query.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a query may move between the two lifecycle
// states. Transitions are monotonic: terminal states absorb, and success is
// only reachable once running has been recorded.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusSuccess || to == StatusFailed
	default:
		return false
	}
}

// Query is the persisted record of one submitted statement. ExecutedSQL is
// set exactly once, when the runner dispatches the statement to the engine,
// and is never mutated afterwards. SelectSQL is only populated when a
// CREATE TABLE AS rewrite was actually applied.
type Query struct {
	ID              int64
	ClientID        string
	DatabaseID      int64
	SQL             string
	ExecutedSQL     string
	SelectSQL       string
	SelectAsCTA     bool
	SelectAsCTAUsed bool
	TmpTable        string
	Limit           int
	LimitUsed       bool
	Status          Status
	Progress        int
	Rows            *int64
	ErrorMessage    string
	ResultsKey      string
	StartTime       *time.Time
	EndTime         *time.Time
	Version         int64
	CreatedAt       time.Time
}
