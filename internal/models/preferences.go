package models

import (
	"time"
)

// FrequencyMode controls whether matches are delivered as they happen or batched.
type FrequencyMode string

const (
	FrequencyImmediate    FrequencyMode = "immediate"
	FrequencyDailyDigest  FrequencyMode = "daily_digest"
	FrequencyWeeklyDigest FrequencyMode = "weekly_digest"
)

// DefaultMaxPerDay is the daily cap applied when a user has no preferences.
const DefaultMaxPerDay = 10

// Frequency is the delivery cadence. Time is a HH:MM wall-clock time in the
// user's timezone (09:00 when empty); Day is only used by weekly digests.
type Frequency struct {
	Mode FrequencyMode `json:"mode" validate:"required,oneof=immediate daily_digest weekly_digest"`
	Time string        `json:"time,omitempty" validate:"omitempty,datetime=15:04"`
	Day  time.Weekday  `json:"day,omitempty" validate:"gte=0,lte=6"`
}

// IsDigest reports whether deliveries are batched.
func (f Frequency) IsDigest() bool {
	return f.Mode == FrequencyDailyDigest || f.Mode == FrequencyWeeklyDigest
}

// QuietHours is a [Start, End) wall-clock window. End before Start wraps midnight.
type QuietHours struct {
	Start string `json:"start" validate:"required,datetime=15:04"`
	End   string `json:"end" validate:"required,datetime=15:04"`
}

// ChannelConfig holds per-channel destinations. Any of them may be absent.
type ChannelConfig struct {
	Email             string   `json:"email,omitempty" validate:"omitempty,email"`
	DiscordWebhookURL string   `json:"discord_webhook_url,omitempty" validate:"omitempty,url"`
	PhoneNumber       string   `json:"phone_number,omitempty" validate:"omitempty,e164"`
	PushTokens        []string `json:"push_tokens,omitempty" validate:"dive,required"`
}

// NotificationPreferences are a user's delivery settings.
type NotificationPreferences struct {
	UserID        string        `json:"user_id" validate:"required"`
	Channels      []ChannelKind `json:"channels" validate:"dive,channel"`
	Frequency     Frequency     `json:"frequency"`
	QuietHours    *QuietHours   `json:"quiet_hours,omitempty"`
	MaxPerDay     int           `json:"max_per_day" validate:"gte=0"`
	Timezone      string        `json:"timezone,omitempty" validate:"omitempty,timezone"`
	ChannelConfig ChannelConfig `json:"channel_config"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// DefaultPreferences is the conservative fallback for users without saved
// preferences: email only, immediate, no quiet hours, DefaultMaxPerDay.
func DefaultPreferences(userID string) *NotificationPreferences {
	return &NotificationPreferences{
		UserID:    userID,
		Channels:  []ChannelKind{ChannelEmail},
		Frequency: Frequency{Mode: FrequencyImmediate},
		MaxPerDay: DefaultMaxPerDay,
		Timezone:  "UTC",
	}
}

// Validate checks the preferences against their field constraints.
func (p *NotificationPreferences) Validate() error {
	p.Channels = NormalizeChannels(p.Channels)
	return ValidateStruct(p)
}

// Location returns the user's timezone, falling back to UTC.
func (p *NotificationPreferences) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
