package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/smartdevs17/deal-alerts/internal/config"
	"github.com/smartdevs17/deal-alerts/internal/models"
	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

// DiscordSender posts embeds to a user's Discord webhook.
type DiscordSender struct {
	config     config.DiscordConfig
	logger     *NotificationLogger
	httpClient *http.Client
}

// NewDiscordSender creates a Discord webhook deliverer.
func NewDiscordSender(cfg config.DiscordConfig, timeout time.Duration) *DiscordSender {
	return &DiscordSender{
		config:     cfg,
		logger:     NewNotificationLogger().WithField("component", "discord_sender"),
		httpClient: newHTTPClient(timeout),
	}
}

func (ds *DiscordSender) Channel() models.ChannelKind { return models.ChannelDiscord }

// Deliver implements Deliverer.
func (ds *DiscordSender) Deliver(ctx context.Context, dest Destination, payload *Payload) error {
	if err := validateWebhookURL(dest.Address); err != nil {
		return Permanent(err)
	}

	body, err := json.Marshal(discordPayload(payload, ds.config.Username, ds.config.AvatarURL))
	if err != nil {
		return Permanent(utils.WrapError(utils.ErrCodeInternal, "Failed to marshal Discord payload", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.Address, bytes.NewReader(body))
	if err != nil {
		return Permanent(utils.WrapError(utils.ErrCodeValidation, "Invalid Discord webhook URL", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	status, respBody, err := doRequest(ctx, ds.httpClient, req)
	if err != nil {
		return err
	}
	ds.logger.Debug("Discord webhook completed", map[string]interface{}{"status_code": status})
	return classifyStatus("Discord", status, respBody)
}

func validateWebhookURL(raw string) error {
	if raw == "" {
		return ErrNoDestination
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return utils.NewAppError(utils.ErrCodeValidation, "Invalid Discord webhook URL", raw)
	}
	return nil
}
