package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/itskum47/SettingsForge/control_plane/auth"
	"github.com/itskum47/SettingsForge/control_plane/config"
	"github.com/itskum47/SettingsForge/control_plane/logger"
	"github.com/itskum47/SettingsForge/control_plane/secrets"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := newServeCmd()
	root := &cobra.Command{
		Use:           "settingsforge",
		Short:         "Central settings server for distributed applications",
		SilenceUsage:  true,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("SETTINGSFORGE_CONFIG"), "path to a YAML or JSON config file")
	root.AddCommand(serve, newHashSecretCmd(), newTokenCmd(), newKeygenCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the settings server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := logger.InitLogger(cfg.Log.Development, cfg.Log.File, cfg.Log.Level); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := NewServer(ctx, cfg)
			if err != nil {
				logger.Error("failed to start", zap.Error(err))
				return err
			}
			return srv.Run(ctx)
		},
	}
}

func newHashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret <secret>",
		Short: "Print the bcrypt hash of a client or webhook secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := secrets.HashSecret(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <username>",
		Short: "Mint an admin API token signed with the configured JWT secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = time.Duration(cfg.Security.TokenTTLMinutes) * time.Minute
			}
			signer, err := auth.NewSigner(cfg.Security.JWTSecret, ttl)
			if err != nil {
				return err
			}
			token, err := signer.GenerateToken(args[0], role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", auth.RoleAdmin, "admin or viewer")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to security.token_ttl_minutes)")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a base64 AES-256 key for security.encryption_key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := secrets.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}
