package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/smartdevs17/deal-alerts/internal/models"
)

// ErrNoDestination is returned when the user has no address configured for
// a channel.
var ErrNoDestination = errors.New("no destination configured for channel")

// Destination is where one channel delivers for one user.
type Destination struct {
	Channel models.ChannelKind `json:"channel"`
	// Address is the email address, Discord webhook URL or E.164 phone number.
	Address string   `json:"address,omitempty"`
	Tokens  []string `json:"tokens,omitempty"`
}

// Payload is the channel-independent content of a notification. Alerts and
// price drops carry one listing; digests carry several.
type Payload struct {
	Kind     models.NotificationKind
	UserID   string
	RuleID   string
	RuleName string
	Listings []*models.Listing

	// Set for price drops.
	Threshold     *decimal.Decimal
	PreviousPrice *decimal.Decimal

	SentAt time.Time
}

// Result is the outcome of one Send, after retries.
type Result struct {
	Status   models.AttemptStatus
	Failure  FailureKind
	Reason   string
	Detail   string
	Attempts int
	Duration time.Duration
}

// OK reports whether the notification was delivered.
func (r Result) OK() bool { return r.Status == models.AttemptSent }

// ChannelSender delivers a payload over one channel, handling its own
// retries and timeouts.
type ChannelSender interface {
	Send(ctx context.Context, dest Destination, payload *Payload) Result
}

// Deliverer performs a single delivery attempt against a provider. Errors
// should be wrapped with Permanent or Transient; unwrapped errors are
// treated as transient.
type Deliverer interface {
	Channel() models.ChannelKind
	Deliver(ctx context.Context, dest Destination, payload *Payload) error
}

// FailureKind classifies a failed delivery.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureTransient
	FailurePermanent
)

func (f FailureKind) String() string {
	switch f {
	case FailureTransient:
		return "transient"
	case FailurePermanent:
		return "permanent"
	default:
		return "none"
	}
}

// SendError carries the failure class of a delivery error.
type SendError struct {
	Failure FailureKind
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s delivery failure: %v", e.Failure, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &SendError{Failure: FailurePermanent, Err: err}
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &SendError{Failure: FailureTransient, Err: err}
}

// FailureOf returns the failure class of err.
func FailureOf(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Failure
	}
	if errors.Is(err, ErrNoDestination) {
		return FailurePermanent
	}
	return FailureTransient
}
