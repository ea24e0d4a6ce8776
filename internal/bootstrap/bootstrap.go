// Package bootstrap implements the Application Shell's boot/shutdown
// sequence (spec.md §4.8, SPEC_FULL.md §6.8), grounded on the teacher's
// cmd/kandev/main.go unified-binary wiring: load config, build shared
// infrastructure, instantiate one Service Adapter per enabled service
// and configured agent,
// wire everything into the Session Manager, and serve HTTP until a
// signal arrives.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/larryhudson/agent-acp-bridge/internal/adapters/chat"
	"github.com/larryhudson/agent-acp-bridge/internal/adapters/issuetracker"
	"github.com/larryhudson/agent-acp-bridge/internal/bridgeconfig"
	"github.com/larryhudson/agent-acp-bridge/internal/bridgelog"
	"github.com/larryhudson/agent-acp-bridge/internal/bridgetrace"
	"github.com/larryhudson/agent-acp-bridge/internal/eventbus"
	"github.com/larryhudson/agent-acp-bridge/internal/persistence"
	"github.com/larryhudson/agent-acp-bridge/internal/repoprovider"
	"github.com/larryhudson/agent-acp-bridge/internal/serviceadapter"
	"github.com/larryhudson/agent-acp-bridge/internal/sessionmanager"
)

// App holds every long-lived component the Application Shell owns, so
// Shutdown can tear them down in the right order.
type App struct {
	cfg      *bridgeconfig.Config
	log      *bridgelog.Logger
	bus      eventbus.Bus
	store    *persistence.Store
	repos    *repoprovider.Provider
	sessions *sessionmanager.Manager
	adapters []serviceadapter.Adapter
	server   *http.Server
}

// Run loads configuration, assembles the bridge, and serves until ctx
// is cancelled (typically by a signal handler in cmd/bridge). It
// returns once shutdown has completed.
func Run(ctx context.Context) error {
	app, err := build(ctx)
	if err != nil {
		return err
	}
	return app.serveUntilDone(ctx)
}

func build(ctx context.Context) (*App, error) {
	cfg, err := bridgeconfig.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := bridgelog.New(bridgelog.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	bridgetrace.Configure(cfg.Tracing.OTLPEndpoint, cfg.Tracing.ServiceName)

	var bus eventbus.Bus
	if cfg.EventBus.NATSURL != "" {
		log.Info("connecting to NATS event bus", zap.String("url", cfg.EventBus.NATSURL))
		natsBus, err := eventbus.NewNATSBus(eventbus.NATSConfig{URL: cfg.EventBus.NATSURL}, log)
		if err != nil {
			log.Warn("failed to connect to NATS, falling back to in-memory bus", zap.Error(err))
			bus = eventbus.NewMemoryBus(log)
		} else {
			bus = natsBus
		}
	} else {
		bus = eventbus.NewMemoryBus(log)
	}

	store, err := persistence.Open(cfg.Persistence.Path, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open persistence store: %w", err)
	}

	repos, err := repoprovider.New(repoprovider.Config{
		BasePath:       cfg.Worktree.BasePath,
		DefaultBranch:  cfg.Worktree.DefaultBranch,
		BranchPrefix:   cfg.Worktree.BranchPrefix,
		PullBeforeWork: cfg.Worktree.PullBeforeWork,
	}, cfg.Worktree.FetchTimeout, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository provider: %w", err)
	}

	sessions := sessionmanager.New(cfg.Agents, cfg.Services, repos, store, bus, cfg.Router.DebounceWindow, log)

	adapters := buildAdapters(cfg, sessions, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agent-acp-bridge"})
	})
	for _, adapter := range adapters {
		adapter.RegisterRoutes(engine)
	}

	host := cfg.Server.Host
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	app := &App{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		store:    store,
		repos:    repos,
		sessions: sessions,
		adapters: adapters,
		server:   server,
	}

	if err := app.startAdapters(ctx); err != nil {
		return nil, err
	}
	app.reconcileStaleWorktrees(ctx)

	return app, nil
}

// buildAdapters instantiates one Service Adapter per (enabled service,
// configured agent) pair, each bound to its agent's scoped credentials,
// and wires each adapter's SetSessionHandler back to the Session
// Manager (spec.md §4.8 step "for each enabled service, for each
// configured agent: instantiate adapter"). The registry's default agent
// keeps the service's bare route (e.g. "/webhooks/issuetracker");
// every other configured agent gets its own "/webhooks/issuetracker/
// <agent>" route so a webhook delivery can target a specific agent.
func buildAdapters(cfg *bridgeconfig.Config, sessions *sessionmanager.Manager, log *bridgelog.Logger) []serviceadapter.Adapter {
	var adapters []serviceadapter.Adapter

	agentNames := make([]string, 0, len(cfg.Agents.Agents))
	for name := range cfg.Agents.Agents {
		agentNames = append(agentNames, name)
	}
	sort.Strings(agentNames)
	if len(agentNames) == 0 {
		agentNames = []string{""}
	}

	for _, svc := range cfg.Services.Enabled {
		switch svc {
		case "issuetracker":
			for _, agentName := range agentNames {
				secret := cfg.Services.CredentialFor("ISSUE_TRACKER_WEBHOOK_SECRET", agentName)
				token := cfg.Services.CredentialFor("ISSUE_TRACKER_API_TOKEN", agentName)

				var client issuetracker.Client = issuetracker.NoopClient{}
				if token != "" {
					client = issuetracker.NewHTTPClient("https://api.issuetracker.example", token)
				}

				adapter := issuetracker.New(issuetracker.Config{
					Service:       serviceIdentity(svc, agentName),
					AgentName:     agentName,
					WebhookPath:   routeForAgent("/webhooks/"+svc, agentName, cfg.Agents.Default),
					WebhookSecret: secret,
				}, client, log)
				adapter.SetSessionHandler(sessions)
				adapters = append(adapters, adapter)
			}

		case "chat":
			for _, agentName := range agentNames {
				adapter := chat.New(chat.Config{
					Service:   serviceIdentity(svc, agentName),
					AgentName: agentName,
					WSPath:    routeForAgent("/ws/chat", agentName, cfg.Agents.Default),
				}, log)
				adapter.SetSessionHandler(sessions)
				adapters = append(adapters, adapter)
			}

		default:
			log.Warn("ignoring unknown service in ENABLED_SERVICES", zap.String("service", svc))
		}
	}

	return adapters
}

// serviceIdentity builds the unique service_name each adapter reports
// via ServiceName (spec.md §4.6), scoping it to the agent it is bound
// to so two adapters for the same service never collide.
func serviceIdentity(service, agentName string) string {
	if agentName == "" {
		return service
	}
	return service + ":" + agentName
}

// routeForAgent gives the default agent the service's bare route and
// every other configured agent its own agent-scoped suffix, so
// non-default agents are reachable at "<base>/<agent>" (spec.md §4.8,
// §6 "/webhooks/<service>/<agent>").
func routeForAgent(base, agentName, defaultAgent string) string {
	if agentName == "" || agentName == defaultAgent {
		return base
	}
	return base + "/" + agentName
}

// startAdapters starts every adapter and restores its persisted
// sessions in parallel (spec.md §4.8), so one slow adapter's start()
// doesn't delay another's.
func (a *App) startAdapters(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	for _, adapter := range a.adapters {
		adapter := adapter
		g.Go(func() error {
			if err := adapter.Start(gCtx); err != nil {
				return fmt.Errorf("failed to start %s adapter: %w", adapter.ServiceName(), err)
			}
			a.sessions.RestoreSessionsForAdapter(adapter)
			return nil
		})
	}
	return g.Wait()
}

// reconcileStaleWorktrees implements the supplemented stale-session
// reconciliation (SPEC_FULL.md §7): prune worktree bookkeeping for
// every repository referenced by a restored session, recovering disk
// state left behind by a crash between worktree creation and the
// persistence write that would have recorded it.
func (a *App) reconcileStaleWorktrees(ctx context.Context) {
	seen := make(map[string]bool)
	var repoIDs []string
	for _, persisted := range a.store.All() {
		repoID, _ := persisted.ServiceMetadata["repo_id"].(string)
		if repoID == "" {
			repoID = persisted.ServiceName // the Session Manager's provisioning fallback
		}
		if repoID == "" || seen[repoID] {
			continue
		}
		seen[repoID] = true
		repoIDs = append(repoIDs, repoID)
	}
	if len(repoIDs) == 0 {
		return
	}
	if err := a.repos.Reconcile(ctx, repoIDs); err != nil {
		a.log.Warn("worktree reconciliation failed at boot", zap.Error(err))
	}
}

// serveUntilDone starts the HTTP listener and blocks until ctx is
// cancelled, then runs the graceful shutdown sequence (spec.md §6.8:
// HTTP listener, then Session Manager, then adapters in parallel).
func (a *App) serveUntilDone(ctx context.Context) error {
	serveErrs := make(chan error, 1)
	go func() {
		a.log.Info("bridge listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrs <- err
			return
		}
		serveErrs <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErrs:
		if err != nil {
			a.log.Error("http server error", zap.Error(err))
		}
	}

	return a.shutdown()
}

func (a *App) shutdown() error {
	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.Error("http server shutdown error", zap.Error(err))
	}

	if err := a.sessions.Shutdown(shutdownCtx); err != nil {
		a.log.Error("session manager shutdown error", zap.Error(err))
	}

	g, gCtx := errgroup.WithContext(shutdownCtx)
	for _, adapter := range a.adapters {
		adapter := adapter
		g.Go(func() error {
			if err := adapter.Close(gCtx); err != nil {
				a.log.Error("adapter close error",
					zap.String("service", adapter.ServiceName()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	a.bus.Close()
	a.log.Info("bridge stopped")
	return a.log.Sync()
}
