package notification

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/smartdevs17/deal-alerts/internal/config"
	"github.com/smartdevs17/deal-alerts/internal/models"
	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

var e164 = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// SMSSender sends text messages through a Twilio-compatible REST API.
type SMSSender struct {
	config     config.SMSConfig
	logger     *NotificationLogger
	httpClient *http.Client
}

// NewSMSSender creates an SMS deliverer.
func NewSMSSender(cfg config.SMSConfig, timeout time.Duration) *SMSSender {
	return &SMSSender{
		config:     cfg,
		logger:     NewNotificationLogger().WithField("component", "sms_sender"),
		httpClient: newHTTPClient(timeout),
	}
}

func (ss *SMSSender) Channel() models.ChannelKind { return models.ChannelSMS }

// Deliver implements Deliverer.
func (ss *SMSSender) Deliver(ctx context.Context, dest Destination, payload *Payload) error {
	if !e164.MatchString(dest.Address) {
		return Permanent(utils.NewAppError(utils.ErrCodeValidation, "Invalid phone number", dest.Address))
	}

	form := url.Values{}
	form.Set("To", dest.Address)
	form.Set("From", ss.config.FromNumber)
	form.Set("Body", smsText(payload))

	endpoint := strings.TrimRight(ss.config.APIURL, "/") + "/Accounts/" + url.PathEscape(ss.config.AccountSID) + "/Messages.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Permanent(utils.WrapError(utils.ErrCodeConfiguration, "Invalid SMS API URL", err))
	}
	req.SetBasicAuth(ss.config.AccountSID, ss.config.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	status, body, err := doRequest(ctx, ss.httpClient, req)
	if err != nil {
		return err
	}
	ss.logger.Debug("SMS request completed", map[string]interface{}{"status_code": status})
	return classifyStatus("SMS provider", status, body)
}
