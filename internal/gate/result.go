package gate

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/grid"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/rewards"
)

// ErrorKind is the stable, machine-readable failure category of a gate request.
type ErrorKind string

const (
	KindUnauthenticated ErrorKind = "Unauthenticated"
	KindForbidden       ErrorKind = "Forbidden"
	KindInvalidInput    ErrorKind = "InvalidInput"
	KindRateLimited     ErrorKind = "RateLimited"
	KindStorageError    ErrorKind = "StorageError"
	KindInternalError   ErrorKind = "InternalError"
	KindRewardError     ErrorKind = "RewardError"
)

// Status summarises the outcome of a gate request.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// Error is a gate failure. RemainingSeconds is only set for KindRateLimited.
type Error struct {
	Kind             ErrorKind `json:"kind"`
	Message          string    `json:"message"`
	RemainingSeconds int       `json:"remaining_seconds,omitempty"`
}

func (e *Error) Error() string {
	if e.RemainingSeconds > 0 {
		return fmt.Sprintf("%s: %s (retry in %ds)", e.Kind, e.Message, e.RemainingSeconds)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Result is the outcome of PlaceCell. Exactly one of Cell or Error is set.
// A degraded result is a successful write whose write clock bookkeeping failed; the
// warnings are for logs and metrics only.
type Result struct {
	Status      Status           `json:"status"`
	Cell        *grid.Cell       `json:"cell,omitempty"`
	Reward      *rewards.Outcome `json:"reward,omitempty"`
	RewardError string           `json:"reward_error,omitempty"`
	Warnings    []string         `json:"-"`
	Error       *Error           `json:"error,omitempty"`
}

// Succeeded reports whether the cell write was persisted.
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess || r.Status == StatusDegraded
}

// ResetResult reports an administrative reset.
type ResetResult struct {
	Removed int64 `json:"removed"`
}

func failure(kind ErrorKind, message string) Result {
	return Result{Status: StatusFailed, Error: &Error{Kind: kind, Message: message}}
}

func rateLimited(remaining time.Duration) Result {
	seconds := RemainingSeconds(remaining)
	return Result{
		Status: StatusFailed,
		Error: &Error{
			Kind:             KindRateLimited,
			Message:          fmt.Sprintf("cooldown active, retry in %ds", seconds),
			RemainingSeconds: seconds,
		},
	}
}

// RemainingSeconds rounds a positive wait up to whole seconds.
func RemainingSeconds(remaining time.Duration) int {
	if remaining <= 0 {
		return 0
	}
	return int((remaining + time.Second - 1) / time.Second)
}
