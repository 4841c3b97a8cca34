package notification

import (
	"context"

	"github.com/smartdevs17/deal-alerts/internal/metrics"
	"github.com/smartdevs17/deal-alerts/internal/models"
)

// SenderWithMetrics wraps a ChannelSender and records Prometheus metrics for
// every send.
type SenderWithMetrics struct {
	ChannelSender
	channel        models.ChannelKind
	metricsManager *metrics.Manager
}

// NewSenderWithMetrics creates a sender wrapper with metrics
func NewSenderWithMetrics(sender ChannelSender, channel models.ChannelKind, metricsManager *metrics.Manager) *SenderWithMetrics {
	return &SenderWithMetrics{
		ChannelSender:  sender,
		channel:        channel,
		metricsManager: metricsManager,
	}
}

// Send sends a notification and records metrics
func (s *SenderWithMetrics) Send(ctx context.Context, dest Destination, payload *Payload) Result {
	res := s.ChannelSender.Send(ctx, dest, payload)
	if s.metricsManager == nil {
		return res
	}

	prometheus := s.metricsManager.GetPrometheusMetrics()
	channel := string(s.channel)
	prometheus.RecordRetries(channel, res.Attempts-1)
	if res.OK() {
		prometheus.RecordNotificationSent(channel, string(payload.Kind), res.Duration)
	} else {
		prometheus.RecordNotificationFailure(channel, string(payload.Kind), res.Reason)
	}
	return res
}
