package authz

import (
	"errors"
	"fmt"

	"concord/pkg/types"
)

// ErrAuthDenied matches every *DeniedError via errors.Is.
var ErrAuthDenied = errors.New("authorization denied")

// DeniedError is returned when an event fails authorization. Denied events
// are still stored, flagged as rejected, so the DAG stays connected.
type DeniedError struct {
	EventID types.EventID
	Reason  string
}

func (e *DeniedError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("authorization denied: %s", e.Reason)
	}
	return fmt.Sprintf("authorization denied for %s: %s", e.EventID, e.Reason)
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrAuthDenied
}

func deny(ev *types.Event, format string, args ...any) error {
	return &DeniedError{EventID: ev.EventID, Reason: fmt.Sprintf(format, args...)}
}

// Reason extracts the denial reason from err, or returns err's text.
func Reason(err error) string {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
