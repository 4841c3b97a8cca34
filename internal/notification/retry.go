package notification

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/smartdevs17/deal-alerts/internal/models"
)

// RetryConfig controls how a RetryingSender retries transient failures.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// SendTimeout bounds each individual attempt.
	SendTimeout time.Duration
	// RatePerSecond throttles calls to the provider; zero disables it.
	RatePerSecond float64
	RateBurst     int
}

// RetryingSender turns a single-shot Deliverer into a ChannelSender.
type RetryingSender struct {
	deliverer Deliverer
	config    RetryConfig
	limiter   *rate.Limiter
	logger    *NotificationLogger
}

// NewRetryingSender creates a sender with exponential backoff.
func NewRetryingSender(deliverer Deliverer, config RetryConfig) *RetryingSender {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RatePerSecond > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}

	return &RetryingSender{
		deliverer: deliverer,
		config:    config,
		limiter:   limiter,
		logger:    NewNotificationLogger().WithField("channel", deliverer.Channel()),
	}
}

// Channel returns the wrapped deliverer's channel.
func (s *RetryingSender) Channel() models.ChannelKind { return s.deliverer.Channel() }

// Send implements ChannelSender.
func (s *RetryingSender) Send(ctx context.Context, dest Destination, payload *Payload) Result {
	start := time.Now()
	res := Result{Status: models.AttemptFailed}
	channel := string(s.deliverer.Channel())

	var lastErr error
	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := s.backoff(attempt)
			s.logger.LogRetryAttempt(channel, attempt, s.config.MaxAttempts, delay, lastErr)
			if !sleepContext(ctx, delay) {
				break
			}
		}

		if err := s.limiter.Wait(ctx); err != nil {
			if lastErr == nil {
				lastErr = Transient(err)
			}
			break
		}

		res.Attempts = attempt
		lastErr = s.attempt(ctx, dest, payload)
		if lastErr == nil {
			res.Status = models.AttemptSent
			res.Duration = time.Since(start)
			return res
		}
		if FailureOf(lastErr) == FailurePermanent {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	res.Duration = time.Since(start)
	res.Failure = FailureOf(lastErr)
	switch {
	case res.Failure == FailurePermanent:
		res.Reason = models.ReasonPermanent
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Reason = models.ReasonDeadlineExceeded
	default:
		res.Reason = models.ReasonTransient
	}
	if lastErr != nil {
		res.Detail = lastErr.Error()
	} else if err := ctx.Err(); err != nil {
		res.Failure = FailureTransient
		res.Detail = err.Error()
	}
	return res
}

func (s *RetryingSender) attempt(ctx context.Context, dest Destination, payload *Payload) error {
	if s.config.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.SendTimeout)
		defer cancel()
	}
	return s.deliverer.Deliver(ctx, dest, payload)
}

// backoff returns BaseDelay * 2^(attempt-2), capped at MaxDelay.
func (s *RetryingSender) backoff(attempt int) time.Duration {
	delay := s.config.BaseDelay
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= s.config.MaxDelay {
			return s.config.MaxDelay
		}
	}
	if delay > s.config.MaxDelay {
		delay = s.config.MaxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
