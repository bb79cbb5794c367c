package commands

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-ops-approvals/internal/client"
	"github.com/pesio-ai/be-ops-approvals/internal/config"
	"github.com/pesio-ai/be-ops-approvals/internal/database"
	"github.com/pesio-ai/be-ops-approvals/internal/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/metrics"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
	"github.com/pesio-ai/be-ops-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-ops-approvals/internal/rules"
	"github.com/pesio-ai/be-ops-approvals/internal/service"
)

// engine is the wired approval service plus everything that must be closed
// with it.
type engine struct {
	service  *service.ApprovalWorkflowService
	registry *prometheus.Registry
	ready    func(ctx context.Context) error

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func (e *engine) onClose(fn func()) { e.closers = append(e.closers, fn) }

// buildEngine wires storage, rules, directory, notifications and audit
// according to cfg.
func buildEngine(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *engine, err error) {
	e := &engine{ready: func(context.Context) error { return nil }}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	var (
		store    repository.WorkflowStore
		audit    repository.AuditStore
		ruleRepo *repository.ApprovalRulesRepository
	)

	switch cfg.Storage.Driver {
	case "postgres":
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		e.onClose(db.Close)
		log.Info().Msg("Database connection established")

		store = repository.NewApprovalWorkflowRepository(db)
		audit = repository.NewApprovalAuditRepository(db)
		ruleRepo = repository.NewApprovalRulesRepository(db)
		e.ready = db.Ping
	case "memory":
		ms := memory.New()
		if cfg.Storage.SeedFile != "" {
			n, err := ms.LoadSeed(cfg.Storage.SeedFile)
			if err != nil {
				return nil, err
			}
			log.Info().Int("work_requests", n).Str("file", cfg.Storage.SeedFile).Msg("Seeded in-memory store")
		}
		store = ms
		audit = memory.NewAuditLog()
		log.Warn().Msg("Using in-memory storage, state is lost on restart")
	}

	var ruleSource repository.RuleSource
	switch cfg.Workflow.RulesSource {
	case "database":
		ruleSource = ruleRepo
	default:
		fs, err := rules.NewFileSource(cfg.Workflow.RulesFile)
		if err != nil {
			return nil, err
		}
		ruleSource = fs
		log.Info().Int("rules", len(fs.All())).Str("file", cfg.Workflow.RulesFile).Msg("Approval rules loaded")
	}

	var directory client.ApproverDirectory
	switch cfg.Directory.Mode {
	case "http":
		directory = client.NewHTTPDirectory(client.HTTPDirectoryConfig{
			BaseURL:   cfg.Directory.BaseURL,
			Timeout:   cfg.Directory.Timeout,
			RateLimit: cfg.Directory.RateLimit,
			RateBurst: cfg.Directory.RateBurst,
		})
	default:
		directory = client.NewStaticDirectory(cfg.Directory.Approvers)
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		e.onClose(func() { rdb.Close() })
		directory = client.NewCachedDirectory(directory, rdb, cfg.Redis.CacheTTL, log)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Approver cache enabled")
	}

	var publisher client.Publisher
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Service.Name),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		e.onClose(func() { nc.Drain() })
		publisher = nc
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS notifications enabled")
	} else {
		log.Warn().Msg("NATS URL not set, notifications disabled")
	}
	notifier := client.NewNotificationPublisher(publisher, cfg.NATS.SubjectPrefix, log.Logger)

	writer := client.NewAuditWriter(audit, client.AuditWriterConfig{}, log)
	writer.Start()
	e.onClose(writer.Stop)

	e.registry = prometheus.NewRegistry()
	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	e.service = service.NewApprovalWorkflowService(
		store, audit, ruleSource, directory, notifier, writer,
		metrics.New(e.registry),
		service.WorkflowConfig{
			DefaultTimeout:      cfg.Workflow.DefaultTimeout(),
			ConflictRetries:     cfg.Workflow.ConflictRetries,
			EscalationTargets:   cfg.Workflow.EscalationTargets,
			EscalationBatchSize: cfg.Workflow.EscalationBatchSize,
		},
		log,
	)
	return e, nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.New(ctx, database.Config{
		URL:               cfg.Database.URL,
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:   cfg.Database.MaxConnIdleTime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}
