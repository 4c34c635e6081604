package plugin

import "time"

type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of a Call. Value is only set when Status is StatusOK,
// Err only when it is StatusFailed.
type Result struct {
	Status   Status        `json:"status"`
	Value    interface{}   `json:"value,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

func (r Result) OK() bool { return r.Status == StatusOK }

func notFound() Result { return Result{Status: StatusNotFound} }

func failed(err error, elapsed time.Duration) Result {
	return Result{Status: StatusFailed, Err: err, Duration: elapsed}
}
