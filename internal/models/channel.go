package models

import (
	"fmt"
	"strings"
)

// ChannelKind identifies a notification delivery mechanism.
type ChannelKind string

const (
	ChannelEmail   ChannelKind = "email"
	ChannelDiscord ChannelKind = "discord"
	ChannelSMS     ChannelKind = "sms"
	ChannelPush    ChannelKind = "push"
)

// AllChannels lists every supported channel in canonical order.
var AllChannels = []ChannelKind{ChannelEmail, ChannelDiscord, ChannelSMS, ChannelPush}

// Valid reports whether c is one of the supported channels.
func (c ChannelKind) Valid() bool {
	switch c {
	case ChannelEmail, ChannelDiscord, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

func (c ChannelKind) String() string { return string(c) }

// ParseChannelKind converts a user supplied name into a ChannelKind.
func ParseChannelKind(s string) (ChannelKind, error) {
	c := ChannelKind(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown channel %q", s)
	}
	return c, nil
}

// NormalizeChannels lowercases and de-duplicates channels, keeping first-seen order.
func NormalizeChannels(in []ChannelKind) []ChannelKind {
	seen := make(map[ChannelKind]struct{}, len(in))
	out := make([]ChannelKind, 0, len(in))
	for _, c := range in {
		c = ChannelKind(strings.ToLower(strings.TrimSpace(string(c))))
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// IntersectChannels returns the channels in requested that are also in allowed,
// in the order they appear in requested.
func IntersectChannels(requested, allowed []ChannelKind) []ChannelKind {
	permitted := make(map[ChannelKind]struct{}, len(allowed))
	for _, c := range allowed {
		permitted[c] = struct{}{}
	}
	var out []ChannelKind
	for _, c := range NormalizeChannels(requested) {
		if _, ok := permitted[c]; ok {
			out = append(out, c)
		}
	}
	return out
}
