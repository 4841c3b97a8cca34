package scheduler

import (
	"github.com/sirupsen/logrus"
)

// cronLogger routes robfig/cron's logging through logrus.
type cronLogger struct {
	entry *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

func fields(kv []interface{}) logrus.Fields {
	out := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out[k] = kv[i+1]
		}
	}
	return out
}
