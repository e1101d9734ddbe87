// Package audit records and queries the append-only audit log.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Action identifies the audited operation.
type Action string

// The closed set of audited actions.
const (
	ActionSign      Action = "sign"
	ActionKeyUpload Action = "key_upload"
	ActionKeyRotate Action = "key_rotate"
)

// Query bounds.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Validation errors.
var (
	ErrInvalidLimit  = errors.New("limit must be between 1 and 1000")
	ErrInvalidOffset = errors.New("offset must be non-negative")
	ErrInvalidAction = errors.New("action must be one of: sign, key_upload, key_rotate")
	ErrInvalidDate   = errors.New("dates must be RFC3339 timestamps")
)

// Event is one append-only audit record.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId"`
	Action    Action    `json:"action"`
	Issuer    string    `json:"issuer"`
	Subject   string    `json:"subject"`
	KeyID     string    `json:"keyId"`
	Success   bool      `json:"success"`
	ErrorCode string    `json:"errorCode,omitempty"`
	Metadata  string    `json:"metadata,omitempty"`
}

// Writer appends audit events. Append is fail-closed: an insert failure
// is returned to the caller, who decides whether to propagate or log.
type Writer interface {
	Append(ctx context.Context, event Event) error
}

// Reader queries audit events.
type Reader interface {
	Query(ctx context.Context, params QueryParams) ([]Event, error)
}

// QueryParams filters and paginates an audit query.
type QueryParams struct {
	Limit     int
	Offset    int
	Action    Action
	Subject   string
	StartDate string
	EndDate   string
}

// Validate normalizes the parameters, applying the default limit, and
// rejects out-of-range values.
func (p *QueryParams) Validate() error {
	if p.Limit == 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit < 1 || p.Limit > MaxLimit {
		return fmt.Errorf("%w: got %d", ErrInvalidLimit, p.Limit)
	}

	if p.Offset < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidOffset, p.Offset)
	}

	if p.Action != "" {
		switch p.Action {
		case ActionSign, ActionKeyUpload, ActionKeyRotate:
		default:
			return fmt.Errorf("%w: got %q", ErrInvalidAction, p.Action)
		}
	}

	for _, d := range []string{p.StartDate, p.EndDate} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(time.RFC3339, d); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidDate, d)
		}
	}

	return nil
}
