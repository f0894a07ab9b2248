package domain

import (
	"fmt"
	"strings"

	apperrors "github.com/acme/broadcast-dispatch/pkg/errors"
)

// LineStatus is the registration state of an outbound line.
type LineStatus string

const (
	LineStatusUnregistered LineStatus = "unregistered"
	LineStatusRegistering  LineStatus = "registering"
	LineStatusRegistered   LineStatus = "registered"
	LineStatusFailed       LineStatus = "failed"
	LineStatusSuspended    LineStatus = "suspended"
)

// ParseLineStatus validates a status reported by the signaling side.
func ParseLineStatus(s string) (LineStatus, error) {
	status := LineStatus(strings.ToLower(s))
	switch status {
	case LineStatusUnregistered, LineStatusRegistering, LineStatusRegistered, LineStatusFailed, LineStatusSuspended:
		return status, nil
	}
	return "", fmt.Errorf("%w: unknown line status %q", apperrors.ErrValidation, s)
}

// DefaultLineCapacity applies when a line is configured without a capacity.
const DefaultLineCapacity = 5

// DialLine is a capacity-bounded outbound trunk or extension.
type DialLine struct {
	ID                 string
	Extension          string
	Status             LineStatus
	MaxConcurrentCalls int
	CurrentActiveCalls int
	TotalCalls         int64
}

// Available reports whether the line can take one more call.
func (l DialLine) Available() bool {
	return l.Status == LineStatusRegistered && l.CurrentActiveCalls < l.MaxConcurrentCalls
}
