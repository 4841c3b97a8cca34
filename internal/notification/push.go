package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/smartdevs17/deal-alerts/internal/config"
	"github.com/smartdevs17/deal-alerts/internal/models"
	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

// PushSender delivers through an Expo-compatible push gateway.
type PushSender struct {
	config     config.PushConfig
	logger     *NotificationLogger
	httpClient *http.Client
}

type pushTicket struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"`
	} `json:"details"`
}

type pushResponse struct {
	Data []pushTicket `json:"data"`
}

// Ticket errors that will not go away by retrying.
var permanentPushErrors = map[string]bool{
	"DeviceNotRegistered": true,
	"InvalidCredentials":  true,
	"MessageTooBig":       true,
}

// NewPushSender creates a push deliverer.
func NewPushSender(cfg config.PushConfig, timeout time.Duration) *PushSender {
	return &PushSender{
		config:     cfg,
		logger:     NewNotificationLogger().WithField("component", "push_sender"),
		httpClient: newHTTPClient(timeout),
	}
}

func (ps *PushSender) Channel() models.ChannelKind { return models.ChannelPush }

// Deliver implements Deliverer. The send succeeds when at least one device
// token was accepted.
func (ps *PushSender) Deliver(ctx context.Context, dest Destination, payload *Payload) error {
	if len(dest.Tokens) == 0 {
		return Permanent(ErrNoDestination)
	}

	body, err := json.Marshal(pushMessages(payload, dest.Tokens))
	if err != nil {
		return Permanent(utils.WrapError(utils.ErrCodeInternal, "Failed to marshal push payload", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ps.config.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return Permanent(utils.WrapError(utils.ErrCodeConfiguration, "Invalid push gateway URL", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ps.config.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+ps.config.AccessToken)
	}

	status, respBody, err := doRequest(ctx, ps.httpClient, req)
	if err != nil {
		return err
	}
	if err := classifyStatus("Push gateway", status, respBody); err != nil {
		return err
	}

	var resp pushResponse
	if err := json.Unmarshal(respBody, &resp); err != nil || len(resp.Data) == 0 {
		// Gateways that do not return tickets accepted the batch.
		return nil
	}

	permanent := 0
	var lastErr string
	for _, ticket := range resp.Data {
		if ticket.Status == "ok" {
			return nil
		}
		lastErr = ticket.Details.Error
		if lastErr == "" {
			lastErr = ticket.Message
		}
		if permanentPushErrors[ticket.Details.Error] {
			permanent++
		}
	}

	ps.logger.Warn("Push gateway rejected every token", map[string]interface{}{
		"tokens": len(dest.Tokens),
		"error":  lastErr,
	})
	appErr := utils.NewAppError(utils.ErrCodeExternal, "Push gateway rejected notification", lastErr)
	if permanent == len(resp.Data) {
		return Permanent(appErr)
	}
	return Transient(appErr)
}
