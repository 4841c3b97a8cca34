package notification

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

// NotificationLogger handles logging for notification operations
type NotificationLogger struct {
	entry   *logrus.Entry
	context map[string]interface{}
}

// NewNotificationLogger creates a new notification logger
func NewNotificationLogger() *NotificationLogger {
	return &NotificationLogger{
		entry:   utils.ComponentLogger("notification"),
		context: make(map[string]interface{}),
	}
}

// WithContext adds context to the logger
func (nl *NotificationLogger) WithContext(context map[string]interface{}) *NotificationLogger {
	newLogger := &NotificationLogger{
		entry:   nl.entry,
		context: make(map[string]interface{}, len(nl.context)+len(context)),
	}
	for k, v := range nl.context {
		newLogger.context[k] = v
	}
	for k, v := range context {
		newLogger.context[k] = v
	}
	return newLogger
}

// WithField adds a single field to the logger context
func (nl *NotificationLogger) WithField(key string, value interface{}) *NotificationLogger {
	return nl.WithContext(map[string]interface{}{key: value})
}

func (nl *NotificationLogger) Debug(message string, context ...map[string]interface{}) {
	nl.log(logrus.DebugLevel, message, context...)
}

func (nl *NotificationLogger) Info(message string, context ...map[string]interface{}) {
	nl.log(logrus.InfoLevel, message, context...)
}

func (nl *NotificationLogger) Warn(message string, context ...map[string]interface{}) {
	nl.log(logrus.WarnLevel, message, context...)
}

func (nl *NotificationLogger) Error(message string, context ...map[string]interface{}) {
	nl.log(logrus.ErrorLevel, message, context...)
}

func (nl *NotificationLogger) log(level logrus.Level, message string, context ...map[string]interface{}) {
	if !nl.entry.Logger.IsLevelEnabled(level) {
		return
	}

	merged := make(logrus.Fields, len(nl.context))
	for k, v := range nl.context {
		merged[k] = v
	}
	for _, ctx := range context {
		for k, v := range ctx {
			merged[k] = v
		}
	}

	nl.entry.WithFields(merged).Log(level, message)
}

// LogSendAttempt logs the start of a delivery.
func (nl *NotificationLogger) LogSendAttempt(dest Destination, payload *Payload) {
	nl.Debug("Notification attempt started", map[string]interface{}{
		"channel":       dest.Channel,
		"kind":          payload.Kind,
		"rule_id":       payload.RuleID,
		"user_id":       payload.UserID,
		"listing_count": len(payload.Listings),
	})
}

// LogSendResult logs the outcome of a delivery.
func (nl *NotificationLogger) LogSendResult(dest Destination, payload *Payload, res Result) {
	context := map[string]interface{}{
		"channel":     dest.Channel,
		"kind":        payload.Kind,
		"rule_id":     payload.RuleID,
		"user_id":     payload.UserID,
		"status":      res.Status,
		"attempts":    res.Attempts,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if len(payload.Listings) == 1 {
		context["listing_id"] = payload.Listings[0].ID
	}

	if res.OK() {
		nl.Info("Notification sent", context)
		return
	}
	context["reason"] = res.Reason
	context["error"] = res.Detail
	nl.Error("Notification failed", context)
}

// LogRetryAttempt logs a retry attempt
func (nl *NotificationLogger) LogRetryAttempt(channel string, attempt, maxAttempts int, delay time.Duration, err error) {
	nl.Warn("Retrying delivery", map[string]interface{}{
		"channel":      channel,
		"attempt":      attempt,
		"max_attempts": maxAttempts,
		"retry_delay":  delay.String(),
		"error":        err.Error(),
	})
}

// LogHealthCheck logs health check results
func (nl *NotificationLogger) LogHealthCheck(component string, healthy bool, issues []string) {
	context := map[string]interface{}{
		"component": component,
		"healthy":   healthy,
	}
	if len(issues) > 0 {
		context["issues"] = strings.Join(issues, ", ")
	}

	if healthy {
		nl.Debug("Health check passed", context)
	} else {
		nl.Warn("Health check failed", context)
	}
}
