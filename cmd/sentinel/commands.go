package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/soulsense/sentinel/internal/scrub"
	"github.com/soulsense/sentinel/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the relational schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required")
		}
		db, err := store.Open(cmd.Context(), cfg.PostgresDSN, store.DefaultPoolConfig())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		if err := store.Migrate(cmd.Context(), db); err != nil {
			return err
		}
		logger.Info("schema migrated")
		return nil
	},
}

var scrubCmd = &cobra.Command{
	Use:   "scrub <user_id>",
	Short: "Erase a user's data, resuming a previous attempt if one exists",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || userID <= 0 {
			return fmt.Errorf("invalid user id %q", args[0])
		}

		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.saga(cmd.Context()).Scrub(cmd.Context(), userID)
		if errors.Is(err, scrub.ErrSagaStep) {
			logger.Warn("scrub incomplete, rerun to resume", zap.Error(err))
		}
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var scrubStatusCmd = &cobra.Command{
	Use:   "scrub-status <scrub_id>",
	Short: "Show the checkpoints of a scrub",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required")
		}
		db, err := store.Open(cmd.Context(), cfg.PostgresDSN, store.DefaultPoolConfig())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		report, err := scrub.New(scrub.Config{Store: scrub.NewSQLStore(db), Logger: logger}).Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
