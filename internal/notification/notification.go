package notification

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/smartdevs17/deal-alerts/internal/config"
	"github.com/smartdevs17/deal-alerts/internal/metrics"
	"github.com/smartdevs17/deal-alerts/internal/models"
	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

// NotificationManager is the registry of configured channel senders. It
// tracks per-channel statistics for the management API.
type NotificationManager struct {
	logger *NotificationLogger

	mu      sync.RWMutex
	running bool
	senders map[models.ChannelKind]ChannelSender
	stats   *NotificationStats
}

// ChannelStats counts outcomes for one channel.
type ChannelStats struct {
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}

// NotificationStats provides notification statistics
type NotificationStats struct {
	TotalNotificationsSent   uint64                              `json:"total_notifications_sent"`
	TotalNotificationsFailed uint64                              `json:"total_notifications_failed"`
	ByChannel                map[models.ChannelKind]ChannelStats `json:"by_channel"`
	AverageResponseTime      time.Duration                       `json:"average_response_time"`
	ActiveChannels           int                                 `json:"active_channels"`
	LastError                *string                             `json:"last_error,omitempty"`
	LastErrorTime            *time.Time                          `json:"last_error_time,omitempty"`
}

type NotificationHealth struct {
	Healthy  bool                 `json:"healthy"`
	Channels []models.ChannelKind `json:"channels"`
	Error    string               `json:"error,omitempty"`
}

// NewNotificationManager creates an empty manager.
func NewNotificationManager() *NotificationManager {
	return &NotificationManager{
		logger:  NewNotificationLogger(),
		senders: make(map[models.ChannelKind]ChannelSender),
		stats:   &NotificationStats{ByChannel: make(map[models.ChannelKind]ChannelStats)},
	}
}

// NewNotificationManagerFromConfig registers a retrying sender for every
// enabled channel.
func NewNotificationManagerFromConfig(cfg *config.NotificationConfig, metricsManager *metrics.Manager) *NotificationManager {
	nm := NewNotificationManager()
	retry := RetryConfig{
		MaxAttempts:   cfg.RetryAttempts,
		BaseDelay:     cfg.RetryDelay,
		MaxDelay:      cfg.MaxRetryDelay,
		SendTimeout:   cfg.SendTimeout,
		RatePerSecond: cfg.RatePerSecond,
		RateBurst:     cfg.RateBurst,
	}

	var deliverers []Deliverer
	if cfg.Email.Enabled {
		deliverers = append(deliverers, NewEmailSender(cfg.Email))
	}
	if cfg.Discord.Enabled {
		deliverers = append(deliverers, NewDiscordSender(cfg.Discord, cfg.SendTimeout))
	}
	if cfg.SMS.Enabled {
		deliverers = append(deliverers, NewSMSSender(cfg.SMS, cfg.SendTimeout))
	}
	if cfg.Push.Enabled {
		deliverers = append(deliverers, NewPushSender(cfg.Push, cfg.SendTimeout))
	}

	for _, d := range deliverers {
		var sender ChannelSender = NewRetryingSender(d, retry)
		if metricsManager != nil {
			sender = NewSenderWithMetrics(sender, d.Channel(), metricsManager)
		}
		nm.Register(d.Channel(), sender)
	}
	return nm
}

// Register installs the sender for channel, replacing any previous one.
func (nm *NotificationManager) Register(channel models.ChannelKind, sender ChannelSender) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.senders[channel] = sender
	nm.logger.Info("Notification channel registered", map[string]interface{}{"channel": channel})
}

// Sender returns the sender for channel. A channel that is not configured
// has no sender.
func (nm *NotificationManager) Sender(channel models.ChannelKind) (ChannelSender, bool) {
	nm.mu.RLock()
	sender, ok := nm.senders[channel]
	nm.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &trackedSender{manager: nm, channel: channel, inner: sender}, true
}

// Channels lists the configured channels in canonical order.
func (nm *NotificationManager) Channels() []models.ChannelKind {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	var out []models.ChannelKind
	for _, c := range models.AllChannels {
		if _, ok := nm.senders[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Start marks the manager as running.
func (nm *NotificationManager) Start(ctx context.Context) error {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if nm.running {
		return utils.NewAppError(utils.ErrCodeInternal, "Notification manager already running")
	}
	nm.running = true
	nm.logger.Info("Notification manager started", map[string]interface{}{"channels": len(nm.senders)})
	return nil
}

// Stop stops the notification manager
func (nm *NotificationManager) Stop() error {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if !nm.running {
		return nil
	}
	nm.running = false
	nm.logger.Info("Notification manager stopped")
	return nil
}

// IsHealthy returns whether the notification manager is healthy
func (nm *NotificationManager) IsHealthy() bool {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	return nm.running
}

// SendTest delivers a sample alert over channel to dest.
func (nm *NotificationManager) SendTest(ctx context.Context, channel models.ChannelKind, dest Destination) (Result, error) {
	sender, ok := nm.Sender(channel)
	if !ok {
		return Result{}, utils.NewAppError(utils.ErrCodeConfiguration, "Channel not configured", string(channel))
	}
	dest.Channel = channel
	score := 0.9
	payload := &Payload{
		Kind:     models.NotificationKindAlert,
		RuleID:   "test",
		RuleName: "Test alert",
		Listings: []*models.Listing{{
			ID:          "test-listing",
			Title:       "Test listing",
			Description: "If you can read this, deal alerts reach you on this channel.",
			Price:       decimal.NewFromInt(42),
			DealScore:   &score,
			CreatedAt:   time.Now().UTC(),
		}},
	}
	return sender.Send(ctx, dest, payload), nil
}

// GetStats returns a snapshot of notification statistics
func (nm *NotificationManager) GetStats() NotificationStats {
	nm.mu.RLock()
	defer nm.mu.RUnlock()

	stats := *nm.stats
	stats.ActiveChannels = len(nm.senders)
	stats.ByChannel = make(map[models.ChannelKind]ChannelStats, len(nm.stats.ByChannel))
	for k, v := range nm.stats.ByChannel {
		stats.ByChannel[k] = v
	}
	return stats
}

func (nm *NotificationManager) GetHealth() *NotificationHealth {
	channels := nm.Channels()

	nm.mu.RLock()
	defer nm.mu.RUnlock()
	health := &NotificationHealth{
		Healthy:  nm.running && len(channels) > 0,
		Channels: channels,
	}
	var issues []string
	if !nm.running {
		issues = append(issues, "not running")
	}
	if len(channels) == 0 {
		issues = append(issues, "no channels configured")
	}
	if nm.stats.LastError != nil {
		health.Error = *nm.stats.LastError
	}
	nm.logger.LogHealthCheck("notification", health.Healthy, issues)
	return health
}

func (nm *NotificationManager) updateStats(channel models.ChannelKind, res Result) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	cs := nm.stats.ByChannel[channel]
	if res.OK() {
		cs.Sent++
		nm.stats.TotalNotificationsSent++
	} else {
		cs.Failed++
		nm.stats.TotalNotificationsFailed++
		detail := res.Detail
		now := time.Now()
		nm.stats.LastError = &detail
		nm.stats.LastErrorTime = &now
	}
	nm.stats.ByChannel[channel] = cs

	total := nm.stats.TotalNotificationsSent + nm.stats.TotalNotificationsFailed
	if total == 1 {
		nm.stats.AverageResponseTime = res.Duration
	} else {
		nm.stats.AverageResponseTime = (nm.stats.AverageResponseTime + res.Duration) / 2
	}
}

// trackedSender logs each send and feeds the manager's statistics.
type trackedSender struct {
	manager *NotificationManager
	channel models.ChannelKind
	inner   ChannelSender
}

func (t *trackedSender) Send(ctx context.Context, dest Destination, payload *Payload) Result {
	t.manager.logger.LogSendAttempt(dest, payload)
	res := t.inner.Send(ctx, dest, payload)
	t.manager.updateStats(t.channel, res)
	t.manager.logger.LogSendResult(dest, payload, res)
	return res
}
