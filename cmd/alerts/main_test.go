package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/deal-alerts/internal/models"
)

func TestDestinationFromFlag(t *testing.T) {
	email := destinationFromFlag(models.ChannelEmail, "  ana@example.com ")
	assert.Equal(t, "ana@example.com", email.Address)
	assert.Empty(t, email.Tokens)

	push := destinationFromFlag(models.ChannelPush, "tok-1, ,tok-2")
	assert.Equal(t, []string{"tok-1", "tok-2"}, push.Tokens)
	assert.Empty(t, push.Address)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Equal(t, "deal-alerts "+AppVersion+"\n", out.String())
}

func TestRunOnceRejectsUnknownPass(t *testing.T) {
	err := runOnceCmd.RunE(runOnceCmd, []string{"weekly"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown pass kind")
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "run-once", "migrate", "config", "test-channel", "version"} {
		assert.True(t, names[want], want)
	}
}
