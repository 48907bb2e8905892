package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"postqueue/internal/storage"
)

// Status is the derived state of a post. It is never stored.
type Status string

const (
	StatusScheduled       Status = "SCHEDULED"
	StatusProcessing      Status = "PROCESSING"
	StatusAllSent         Status = "ALL_SENT"
	StatusPartiallyFailed Status = "PARTIALLY_FAILED"
	StatusFailed          Status = "FAILED"
)

var statuses = []Status{StatusScheduled, StatusProcessing, StatusAllSent, StatusPartiallyFailed, StatusFailed}

func ParseStatus(s string) (Status, error) {
	v := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range statuses {
		if st == v {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// AggregateStatus derives a post's status from its tasks. Rules, first match
// wins:
//   - any CLAIMED: PROCESSING
//   - every task SENT: ALL_SENT
//   - any PENDING scheduled after now: SCHEDULED
//   - any other PENDING: PROCESSING
//   - all terminal with at least one SENT: PARTIALLY_FAILED
//   - otherwise: FAILED
func AggregateStatus(tasks []storage.Task, now time.Time) Status {
	if len(tasks) == 0 {
		return StatusFailed
	}
	var sent, pendingFuture, pendingDue int
	for _, t := range tasks {
		switch t.State {
		case storage.StateClaimed:
			return StatusProcessing
		case storage.StateSent:
			sent++
		case storage.StatePending:
			if t.ScheduledFor.After(now) {
				pendingFuture++
			} else {
				pendingDue++
			}
		}
	}
	switch {
	case sent == len(tasks):
		return StatusAllSent
	case pendingFuture > 0:
		return StatusScheduled
	case pendingDue > 0:
		return StatusProcessing
	case sent > 0:
		return StatusPartiallyFailed
	default:
		return StatusFailed
	}
}
