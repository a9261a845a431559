package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/archon/internal/pipeline"
	"github.com/lucasnoah/archon/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		st, err := store.NewPostgres(ctx, cfg.Database.URL, store.PoolConfig{
			MinConns: int32(cfg.Database.MinConns),
			MaxConns: int32(cfg.Database.MaxConns),
		})
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove workspaces older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger()

		p, err := buildProvisioner(cfg, log)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
		defer cancel()

		count, err := p.CleanupOldWorkspaces(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d workspace(s)\n", count)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <issue-id>",
	Short: "Move a failed pipeline back to pending",
	Long: `Move a failed pipeline back to pending so the next webhook (or a
manually re-delivered one) restarts it. The issue id has the form
"owner/repo#number".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		st, err := store.NewPostgres(ctx, cfg.Database.URL, store.PoolConfig{
			MinConns: int32(cfg.Database.MinConns),
			MaxConns: int32(cfg.Database.MaxConns),
		})
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer st.Close()

		issueID := args[0]
		ps, err := st.Get(ctx, issueID)
		if err != nil {
			return fmt.Errorf("load %s: %w", issueID, err)
		}
		if err := ps.TransitionTo(pipeline.StagePending, map[string]any{
			"trigger": "manual_reset",
		}); err != nil {
			return err
		}
		ps.Version++
		ok, err := st.UpdateWithVersion(ctx, ps)
		if err != nil {
			return fmt.Errorf("persist reset: %w", err)
		}
		if !ok {
			return fmt.Errorf("%s was updated concurrently, retry", issueID)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s reset to pending\n", issueID)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the archon version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "archon version %s\n", version)
	},
}
