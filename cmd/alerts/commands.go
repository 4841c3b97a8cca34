package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/smartdevs17/deal-alerts/internal/dispatcher"
	"github.com/smartdevs17/deal-alerts/internal/metrics"
	"github.com/smartdevs17/deal-alerts/internal/models"
	"github.com/smartdevs17/deal-alerts/internal/notification"
	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "deal-alerts %s\n", AppVersion)
	},
}

// runOnceCmd runs a single pass through the scheduler so the overlap guard,
// store lease and pass deadline apply exactly as they do on a tick.
var runOnceCmd = &cobra.Command{
	Use:       "run-once [alerts|price_drop]",
	Short:     "Run one dispatch pass and print its report",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{string(dispatcher.PassAlerts), string(dispatcher.PassPriceDrop)},
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := dispatcher.PassAlerts
		if len(args) == 1 {
			kind = dispatcher.PassKind(strings.ReplaceAll(args[0], "-", "_"))
		}
		if kind != dispatcher.PassAlerts && kind != dispatcher.PassPriceDrop {
			return utils.NewAppError(utils.ErrCodeValidation, "unknown pass kind", args[0])
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg.Server.Enabled = false

		app, err := NewApplication(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = app.Stop() }()

		if err := app.notification.Start(app.ctx); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(app.ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		report, err := app.scheduler.RunNow(ctx, kind)
		if report != nil {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(report); encErr != nil {
				return encErr
			}
		}
		return err
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStorage(&cfg.Storage)
		if err != nil {
			return err
		}
		defer store.Close()

		health := store.GetHealth()
		fmt.Fprintf(cmd.OutOrStdout(), "Migrations applied (%s, healthy=%t)\n", cfg.Storage.Type, health.Healthy)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		nm := notification.NewNotificationManagerFromConfig(&cfg.Notifications, nil)
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Configuration is valid!")
		fmt.Fprintf(out, "Environment: %s\n", cfg.App.Environment)
		fmt.Fprintf(out, "Instance: %s\n", cfg.App.InstanceID)
		fmt.Fprintf(out, "Database: %s\n", cfg.Storage.Type)
		fmt.Fprintf(out, "Alert interval: %s (deadline %s)\n", cfg.Scheduler.AlertInterval, cfg.Scheduler.PassDeadline(cfg.Scheduler.AlertInterval))
		fmt.Fprintf(out, "Price-drop interval: %s (deadline %s)\n", cfg.Scheduler.PriceDropInterval, cfg.Scheduler.PassDeadline(cfg.Scheduler.PriceDropInterval))
		fmt.Fprintf(out, "Channels: %v\n", nm.Channels())
		return nil
	},
}

var testChannelCmd = &cobra.Command{
	Use:   "test-channel",
	Short: "Send a sample alert over one channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.File); err != nil {
			return err
		}

		name, _ := cmd.Flags().GetString("channel")
		to, _ := cmd.Flags().GetString("to")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		channel, err := models.ParseChannelKind(name)
		if err != nil {
			return utils.WrapError(utils.ErrCodeValidation, "invalid channel", err)
		}
		dest := destinationFromFlag(channel, to)

		nm := notification.NewNotificationManagerFromConfig(&cfg.Notifications, metrics.NewManager())
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		fmt.Fprintf(cmd.OutOrStdout(), "Sending test %s notification...\n", channel)
		res, err := nm.SendTest(ctx, channel, dest)
		if err != nil {
			return err
		}
		if !res.OK() {
			return utils.NewAppError(utils.ErrCodeExternal, "test notification failed",
				fmt.Sprintf("%s after %d attempt(s): %s", res.Reason, res.Attempts, res.Detail))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Delivered in %s after %d attempt(s)\n", res.Duration, res.Attempts)
		return nil
	},
}

func destinationFromFlag(channel models.ChannelKind, to string) notification.Destination {
	dest := notification.Destination{Channel: channel}
	if channel != models.ChannelPush {
		dest.Address = strings.TrimSpace(to)
		return dest
	}
	for _, token := range strings.Split(to, ",") {
		if token = strings.TrimSpace(token); token != "" {
			dest.Tokens = append(dest.Tokens, token)
		}
	}
	return dest
}
