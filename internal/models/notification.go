package models

import (
	"fmt"
	"time"
)

// NotificationKind says which pass produced a notification.
type NotificationKind string

const (
	NotificationKindAlert     NotificationKind = "alert"
	NotificationKindPriceDrop NotificationKind = "price_drop"
	NotificationKindDigest    NotificationKind = "digest"
)

// AttemptStatus is the outcome recorded for one (rule, listing, channel).
type AttemptStatus string

const (
	AttemptSent    AttemptStatus = "sent"
	AttemptFailed  AttemptStatus = "failed"
	AttemptSkipped AttemptStatus = "skipped"
)

// Reason codes attached to skipped and failed attempts.
const (
	ReasonNoAllowedChannel = "no_allowed_channel"
	ReasonRateLimited      = "rate_limited"
	ReasonQuietHours       = "quiet_hours"
	ReasonDigestPending    = "digest_pending"
	ReasonAlreadySent      = "already_sent"
	ReasonNoDestination    = "no_destination"
	ReasonTransient        = "transient"
	ReasonPermanent        = "permanent"
	ReasonDeadlineExceeded = "deadline_exceeded"
)

// NotificationAttempt is one audit row.
type NotificationAttempt struct {
	ID        string           `json:"id"`
	Kind      NotificationKind `json:"kind"`
	RuleID    string           `json:"rule_id"`
	ListingID string           `json:"listing_id"`
	UserID    string           `json:"user_id"`
	Channel   ChannelKind      `json:"channel,omitempty"`
	Status    AttemptStatus    `json:"status"`
	Reason    string           `json:"reason,omitempty"`
	Detail    string           `json:"detail,omitempty"`
	Attempts  int              `json:"attempts"`
	CreatedAt time.Time        `json:"created_at"`
}

// DeliveryKey identifies at most one successful send per match per channel.
type DeliveryKey struct {
	RuleID    string      `json:"rule_id"`
	ListingID string      `json:"listing_id"`
	Channel   ChannelKind `json:"channel"`
}

func (k DeliveryKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.RuleID, k.ListingID, k.Channel)
}

// DeliveryState is the lifecycle of a claimed DeliveryKey.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// AttemptFilter narrows ListAttempts.
type AttemptFilter struct {
	UserID  string
	RuleID  string
	Status  AttemptStatus
	Channel ChannelKind
	Since   *time.Time
	Limit   int
}

// DeferredNotification is a match parked by quiet hours or digest frequency.
// ListingKey is the listing part of the delivery key; for price drops it
// also encodes the price so each new low is a distinct delivery.
type DeferredNotification struct {
	ID         string           `json:"id"`
	UserID     string           `json:"user_id"`
	Kind       NotificationKind `json:"kind"`
	RuleID     string           `json:"rule_id"`
	RuleName   string           `json:"rule_name"`
	ListingKey string           `json:"listing_key"`
	Listing    Listing          `json:"listing"`
	Channels   []ChannelKind    `json:"channels"`
	Reason     string           `json:"reason"`
	DeferredAt time.Time        `json:"deferred_at"`
	ReleaseAt  time.Time        `json:"release_at"`
}

// ChannelFlag marks a user's channel as needing attention after a
// permanent delivery failure.
type ChannelFlag struct {
	UserID    string      `json:"user_id"`
	Channel   ChannelKind `json:"channel"`
	Reason    string      `json:"reason"`
	FlaggedAt time.Time   `json:"flagged_at"`
}
