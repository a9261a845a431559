package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/archon/internal/clarification"
	"github.com/lucasnoah/archon/internal/classifier"
	"github.com/lucasnoah/archon/internal/config"
	appctx "github.com/lucasnoah/archon/internal/context"
	"github.com/lucasnoah/archon/internal/events"
	"github.com/lucasnoah/archon/internal/github"
	"github.com/lucasnoah/archon/internal/knowledge"
	"github.com/lucasnoah/archon/internal/orchestrator"
	"github.com/lucasnoah/archon/internal/pr"
	"github.com/lucasnoah/archon/internal/runner"
	"github.com/lucasnoah/archon/internal/store"
	"github.com/lucasnoah/archon/internal/web"
	"github.com/lucasnoah/archon/internal/workspace"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the webhook server",
	Long: `Start the pipeline service: the webhook endpoint, health and metrics
endpoints, and the daily workspace garbage collection job. The database
schema is migrated on startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := store.NewPostgres(ctx, cfg.Database.URL, store.PoolConfig{
			MinConns: int32(cfg.Database.MinConns),
			MaxConns: int32(cfg.Database.MaxConns),
		})
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}

		registry := prometheus.NewRegistry()
		emitter, closeEmitters, err := buildEmitter(cfg, registry, log)
		if err != nil {
			return err
		}
		defer closeEmitters()

		provisioner, err := buildProvisioner(cfg, log)
		if err != nil {
			return err
		}

		gh := github.NewClient(cfg.GitHub.Token, log, github.WithBaseURL(cfg.GitHub.BaseURL))
		orch := orchestrator.New(
			st,
			classifier.New(cfg.LLM.URL, cfg.LLM.Model, log),
			clarification.NewManager(gh, log),
			provisioner,
			appctx.NewBuilder(buildKnowledge(cfg, log), log, buildGraph(cfg)...),
			runner.New(cfg.CLI.Path, time.Duration(cfg.CLI.TimeoutSeconds)*time.Second, log),
			pr.NewCreator(gh, log),
			emitter,
			orchestrator.Options{
				Reviewers:  cfg.GitHub.Reviewers,
				BaseBranch: cfg.GitHub.BaseBranch,
				Logger:     log,
			},
		)

		sched, err := startGCSchedule(provisioner, log)
		if err != nil {
			return err
		}
		defer func() { _ = sched.Shutdown() }()

		srv := web.NewServer(cfg.Server.Addr(), orch, st, cfg.GitHub.WebhookSecret, registry, log)
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, "config:", e.Error())
		}
		return nil, fmt.Errorf("invalid configuration (%d problems)", len(errs))
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(log)
	return log
}

// buildEmitter assembles the composite sink: log always, metrics always,
// NATS when configured.
func buildEmitter(cfg *config.Config, registry *prometheus.Registry, log *slog.Logger) (events.Emitter, func(), error) {
	children := []events.Emitter{
		events.NewLogEmitter(log),
		events.NewMetricsEmitter(registry),
	}
	closeFn := func() {}
	if cfg.NATS.URL != "" {
		ne, err := events.NewNATSEmitter(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			return nil, nil, fmt.Errorf("connect NATS: %w", err)
		}
		children = append(children, ne)
		closeFn = ne.Close
	}
	return events.NewComposite(log, children...), closeFn, nil
}

func buildProvisioner(cfg *config.Config, log *slog.Logger) (*workspace.Provisioner, error) {
	perm, err := cfg.Workspace.DirPermBits()
	if err != nil {
		return nil, err
	}
	return workspace.NewProvisioner(
		cfg.Workspace.BasePath,
		cfg.Workspace.RetentionDays,
		log,
		workspace.WithDirPerm(perm),
		workspace.WithCloneTimeout(time.Duration(cfg.Workspace.CloneTimeoutSeconds)*time.Second),
	), nil
}

func buildKnowledge(cfg *config.Config, log *slog.Logger) appctx.KnowledgeProvider {
	if cfg.Knowledge.VectorStoreURL == "" {
		return nil
	}
	embedder := knowledge.NewHTTPEmbedder(cfg.Knowledge.EmbedderURL)
	return knowledge.NewVectorStore(cfg.Knowledge.VectorStoreURL, embedder, log)
}

func buildGraph(cfg *config.Config) []appctx.Option {
	if cfg.Knowledge.CodeGraphURL == "" {
		return nil
	}
	return []appctx.Option{appctx.WithGraph(knowledge.NewCodeGraph(cfg.Knowledge.CodeGraphURL))}
}

// startGCSchedule runs workspace cleanup daily.
func startGCSchedule(p *workspace.Provisioner, log *slog.Logger) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(24*time.Hour),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			count, err := p.CleanupOldWorkspaces(ctx)
			if err != nil {
				log.Error("workspace gc failed", slog.String("error", err.Error()))
				return
			}
			log.Info("workspace gc done", slog.Int("removed", count))
		}),
		gocron.WithName("workspace-gc"),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule workspace gc: %w", err)
	}
	sched.Start()
	return sched, nil
}
