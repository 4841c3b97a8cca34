package utils

import (
	"errors"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLogger(t *testing.T) {
	t.Helper()
	loggerMu.Lock()
	prev := Logger
	Logger = nil
	loggerMu.Unlock()
	t.Cleanup(func() {
		loggerMu.Lock()
		Logger = prev
		loggerMu.Unlock()
	})
}

func TestInitLoggerRejectsUnknownLevel(t *testing.T) {
	resetLogger(t)
	require.Error(t, InitLogger("loud", "json", "stdout", ""))
	assert.Nil(t, Logger)
}

func TestGetLoggerDefaults(t *testing.T) {
	resetLogger(t)
	l := GetLogger()
	require.NotNil(t, l)
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)
}

func TestGetLoggerFallsBackToStderr(t *testing.T) {
	resetLogger(t)
	prev := initDefaultLogger
	initDefaultLogger = func() error { return errors.New("stdout closed") }
	t.Cleanup(func() { initDefaultLogger = prev })

	l := GetLogger()
	require.NotNil(t, l)
	assert.Equal(t, os.Stderr, l.Out)
	assert.Same(t, l, GetLogger())
}
