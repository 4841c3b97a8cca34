package notification

import (
	"strings"

	"github.com/smartdevs17/deal-alerts/internal/models"
)

// DestinationFor resolves the user's address for channel from their
// preferences. It returns ErrNoDestination when none is configured.
func DestinationFor(prefs *models.NotificationPreferences, channel models.ChannelKind) (Destination, error) {
	cfg := prefs.ChannelConfig
	dest := Destination{Channel: channel}

	switch channel {
	case models.ChannelEmail:
		dest.Address = strings.TrimSpace(cfg.Email)
	case models.ChannelDiscord:
		dest.Address = strings.TrimSpace(cfg.DiscordWebhookURL)
	case models.ChannelSMS:
		dest.Address = strings.TrimSpace(cfg.PhoneNumber)
	case models.ChannelPush:
		for _, token := range cfg.PushTokens {
			if token = strings.TrimSpace(token); token != "" {
				dest.Tokens = append(dest.Tokens, token)
			}
		}
		if len(dest.Tokens) == 0 {
			return dest, ErrNoDestination
		}
		return dest, nil
	default:
		return dest, ErrNoDestination
	}

	if dest.Address == "" {
		return dest, ErrNoDestination
	}
	return dest, nil
}
