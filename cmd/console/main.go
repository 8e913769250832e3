// Package main is the entry point for the monitoring console. It wires all
// dependencies together and serves the console over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pitabwire/watchtower/internal/config"
	"github.com/pitabwire/watchtower/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "console",
	Short:         "Monitoring console server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the console HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Load and validate the configuration file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "configuration OK: %s\n", configPath)
		fmt.Fprintf(out, "  backend:     %s\n", cfg.Backend.Driver)
		fmt.Fprintf(out, "  flash:       %s\n", cfg.Session.FlashDriver)
		fmt.Fprintf(out, "  preferences: %s\n", cfg.Preferences.Driver)
		if cfg.Idempotency.Enabled {
			fmt.Fprintf(out, "  idempotency: %s\n", cfg.Idempotency.Store.Driver)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "console %s (commit %s)\n", version, commit)
	},
}

var tokenOpts struct {
	username string
	userType int
	roles    []string
	ttl      time.Duration
}

// tokenCmd issues a session token signed with the configured secret, for
// operators and local development.
var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue a console session token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		token, err := transport.IssueToken(cfg.Identity, args[0], transport.SessionClaims{
			Username: tokenOpts.username,
			UserType: tokenOpts.userType,
			Roles:    tokenOpts.roles,
		}, tokenOpts.ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")

	tokenCmd.Flags().StringVar(&tokenOpts.username, "username", "", "username claim")
	tokenCmd.Flags().IntVar(&tokenOpts.userType, "user-type", 1, "user type (1 user, 2 admin, 3 super admin)")
	tokenCmd.Flags().StringSliceVar(&tokenOpts.roles, "role", nil, "role claim, repeatable")
	tokenCmd.Flags().DurationVar(&tokenOpts.ttl, "ttl", 8*time.Hour, "token lifetime")

	rootCmd.AddCommand(serveCmd, checkConfigCmd, versionCmd, tokenCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
