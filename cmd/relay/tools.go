package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mailrelay/internal/auth"
	"mailrelay/internal/config"
	"mailrelay/internal/gmail"
	"mailrelay/internal/service/subscription"
	"mailrelay/internal/store"
	"mailrelay/pkg/logger"
)

func newMigrateCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the relay tables if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(*configDir)
			if err != nil {
				return err
			}
			log := logger.NewLogger(cfg.Debug)
			defer log.Sync()

			st, err := store.Open(cmd.Context(), cfg.DB, log)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			log.Info("Schema is up to date")
			return nil
		},
	}
}

func newRenewCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "renew",
		Short: "Renew the push subscription of every linked mailbox once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configDir)
			if err != nil {
				return err
			}
			log := logger.NewLogger(cfg.Debug)
			defer log.Sync()

			st, err := store.Open(cmd.Context(), cfg.DB, log)
			if err != nil {
				return err
			}
			defer st.Close()

			mgr := subscription.NewManager(st, gmail.NewResolver(cfg.Google), cfg.Google, cfg.Renewal, log)
			return mgr.SubscribeAll(cmd.Context())
		},
	}
}

func newTokenCmd(configDir *string) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the /api routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(*configDir)
			if err != nil {
				return err
			}
			if cfg.JWT.Secret == "" {
				return errors.New("jwt.secret is not configured")
			}
			token, err := auth.GenerateJWT(subject, cfg.JWT.Secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
