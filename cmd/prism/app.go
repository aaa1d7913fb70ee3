package main

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/nugget/prism/internal/advisory"
	"github.com/nugget/prism/internal/capability"
	"github.com/nugget/prism/internal/config"
	"github.com/nugget/prism/internal/database"
	"github.com/nugget/prism/internal/engine"
	"github.com/nugget/prism/internal/facts"
	"github.com/nugget/prism/internal/finance"
	"github.com/nugget/prism/internal/gate"
	"github.com/nugget/prism/internal/llm"
	"github.com/nugget/prism/internal/notify"
	"github.com/nugget/prism/internal/opstate"
	"github.com/nugget/prism/internal/sandbox"
	"github.com/nugget/prism/internal/snapshot"
	"github.com/nugget/prism/internal/tenant"
	"github.com/nugget/prism/internal/usage"
)

// app is the fully wired service graph shared by serve and the one-shot
// subcommands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB

	tenants   *tenant.Directory
	facts     *facts.Store
	snapshots *snapshot.Store
	state     *opstate.Store
	ledger    *advisory.Ledger
	books     *finance.Books
	registry  *capability.Registry
	usage     *usage.Store
	router    *llm.Router
	model     llm.Client
	engine    *engine.Coordinator
}

// loadLogged loads config and builds the configured logger.
func loadLogged(configPath string, logOut io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.Logger(logOut)
	logger.Debug("config loaded", "path", cfgPath)
	return cfg, logger, nil
}

// openApp opens the database and wires every store and service.
// notifier may be nil. The caller must call close.
func openApp(cfg *config.Config, logger *slog.Logger, notifier notify.Notifier) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := database.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, db: db}
	if err := a.wire(notifier); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// withApp opens the app for a one-shot subcommand and closes it after fn.
func withApp(g *globals, logOut io.Writer, fn func(*app) error) error {
	cfg, logger, err := loadLogged(g.configPath, logOut)
	if err != nil {
		return err
	}
	a, err := openApp(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

func (a *app) wire(notifier notify.Notifier) error {
	var err error
	if a.tenants, err = tenant.NewDirectory(a.db); err != nil {
		return fmt.Errorf("open tenant directory: %w", err)
	}
	if a.facts, err = facts.NewStore(a.db); err != nil {
		return fmt.Errorf("open fact store: %w", err)
	}
	if a.snapshots, err = snapshot.NewStore(a.db); err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	if a.state, err = opstate.NewStore(a.db); err != nil {
		return fmt.Errorf("open operational state: %w", err)
	}
	if a.usage, err = usage.NewStore(a.db); err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}

	a.router = newModelRouter(a.cfg, a.logger)
	a.model = usage.NewMeter(a.router, a.usage, a.cfg.Models.Pricing, a.logger)

	lawTier := "fast"
	if _, ok := a.cfg.Models.Tiers[lawTier]; !ok {
		lawTier = a.cfg.Engine.ModelTier
	}
	law := finance.NewModelLaw(a.model, lawTier, 0)
	a.books = finance.NewBooks(a.state, a.facts, a.cfg.Finance, law, a.logger)

	a.registry = capability.NewRegistry()
	if err := a.books.Register(a.registry); err != nil {
		return fmt.Errorf("register capabilities: %w", err)
	}

	a.ledger = advisory.NewLedger(a.state, a.registry, a.logger)
	g := gate.New(a.registry, a.ledger, gate.Options{
		CapabilityTimeout: a.cfg.Engine.CapabilityTimeout,
		Logger:            a.logger,
	})

	factSource := facts.NewContextProvider(a.facts)
	factSource.SetMaxFacts(a.cfg.Engine.MaxFacts)

	a.engine = engine.New(engine.Deps{
		Tenants: a.tenants,
		Facts:   factSource,
		Model:   a.model,
		Interpreter: sandbox.NewGoInterpreter(sandbox.GoOptions{
			AllowedImports: a.cfg.Sandbox.AllowedImports,
			CompileTimeout: a.cfg.Sandbox.CompileTimeout,
		}),
		Registry:  a.registry,
		Gate:      g,
		Snapshots: a.snapshots,
		Notifier:  notifier,
	}, engine.Options{
		MaxSteps:       a.cfg.Engine.MaxSteps,
		MaxConcurrent:  a.cfg.Engine.MaxConcurrent,
		ModelTier:      a.cfg.Engine.ModelTier,
		MaxTokens:      a.cfg.Engine.MaxTokens,
		ModelTimeout:   a.cfg.Engine.ModelTimeout,
		ProgramTimeout: a.cfg.Engine.ProgramTimeout,
		HostPackage:    sandbox.HostPackage,
		Logger:         a.logger,
	})
	return nil
}

func (a *app) close() error {
	return a.db.Close()
}

// newModelRouter maps each configured tier onto its provider. Ollama is
// always available; Anthropic only with an API key.
func newModelRouter(cfg *config.Config, logger *slog.Logger) *llm.Router {
	router := llm.NewRouter(cfg.Engine.ModelTier, logger)
	router.AddProvider(llm.NewOllamaClient(cfg.Models.OllamaURL, logger))
	if cfg.Anthropic.Configured() {
		router.AddProvider(llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		logger.Info("Anthropic provider configured")
	}
	for name, t := range cfg.Models.Tiers {
		router.AddTier(name, llm.TierBinding{Model: t.Model, Provider: t.Provider})
	}
	router.SetRateLimit(cfg.Models.RequestsPerSecond, cfg.Models.Burst)
	return router
}
