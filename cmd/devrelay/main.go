// Package main is the entry point for devrelay, the coding-assistant
// runtime. One binary runs the WebSocket edge, the admin API and the
// orchestrator with shared infrastructure.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrelay/devrelay/internal/agent"
	"github.com/devrelay/devrelay/internal/api"
	"github.com/devrelay/devrelay/internal/approval"
	"github.com/devrelay/devrelay/internal/common/config"
	"github.com/devrelay/devrelay/internal/common/httpmw"
	"github.com/devrelay/devrelay/internal/common/logger"
	"github.com/devrelay/devrelay/internal/common/tracing"
	"github.com/devrelay/devrelay/internal/db"
	"github.com/devrelay/devrelay/internal/events/audit"
	"github.com/devrelay/devrelay/internal/events/bus"
	gateway "github.com/devrelay/devrelay/internal/gateway/websocket"
	"github.com/devrelay/devrelay/internal/llm"
	"github.com/devrelay/devrelay/internal/orchestrator"
	"github.com/devrelay/devrelay/internal/plan"
	"github.com/devrelay/devrelay/internal/session"
	"github.com/devrelay/devrelay/internal/tools"
)

// sessionRetention is how long soft-deleted sessions stay around for audit
// before the hourly sweep purges them.
const sessionRetention = 30 * 24 * time.Hour

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting devrelay...")

	// 3. Root context cancelled on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Database
	pool, err := db.Open(cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("url", cfg.Database.URL))
	}
	defer pool.Close()
	log.Info("Database ready", zap.String("dialect", string(pool.Dialect())))

	// 5. Session store, optionally debounced
	sqlStore, err := session.NewSQLStore(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err))
	}
	if err := sqlStore.Recover(ctx); err != nil {
		log.Fatal("Session store recovery failed", zap.Error(err))
	}
	var store session.Store = sqlStore
	if cfg.Orchestrator.DebouncePersistence {
		log.Info("Using debounced persistence")
		store = session.NewDebouncedStore(sqlStore, 0, 0)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Session store close failed", zap.Error(err))
		}
	}()

	// 6. Event bus, optional NATS mirror, audit log
	eventBus := bus.New(log)
	defer eventBus.Close()
	if cfg.NATS.URL != "" {
		mirror, err := bus.NewNATSMirror(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer mirror.Close()
		if err := mirror.Attach(eventBus); err != nil {
			log.Fatal("Failed to attach NATS mirror", zap.Error(err))
		}
		log.Info("NATS event mirror attached", zap.String("url", cfg.NATS.URL))
	}
	auditLog := audit.NewLog(1000)
	if err := auditLog.Attach(eventBus); err != nil {
		log.Fatal("Failed to attach audit log", zap.Error(err))
	}

	// 7. Approval manager
	policies, err := approval.NewPolicyStore(cfg.Approval.PolicyPath)
	if err != nil {
		log.Fatal("Failed to load approval policy", zap.Error(err))
	}
	approvals := approval.NewManager(store, eventBus, policies, log, approval.Config{
		DefaultTimeout: cfg.Approval.DefaultTimeout(),
		SweepInterval:  cfg.Approval.SweepIntervalDuration(),
	})
	approvals.Start(ctx)
	defer approvals.Stop()

	// 8. Agents and tools
	agents, err := agent.NewRegistry(cfg.Agents.ConfigPath)
	if err != nil {
		log.Fatal("Failed to load agent registry", zap.Error(err))
	}
	workspace, err := tools.NewWorkspace(cfg.Tools.WorkspaceRoot)
	if err != nil {
		log.Fatal("Failed to open workspace", zap.Error(err))
	}
	registry := tools.NewRegistry()
	if err := workspace.RegisterBuiltins(registry); err != nil {
		log.Fatal("Failed to register builtin tools", zap.Error(err))
	}

	// 9. LLM client, classifier, dispatcher, orchestrator
	client := llm.NewOpenAIClient(cfg.LLM, log)
	classifier := agent.NewClassifier(client, agents, cfg.LLM.Model, log)
	dispatcher := tools.NewDispatcher(registry, agents, approvals, eventBus, log)
	orch := orchestrator.New(store, agents, classifier, client, dispatcher, approvals, registry, eventBus, orchestrator.Config{
		Model:              cfg.LLM.Model,
		MaxIterations:      cfg.Orchestrator.MaxIterations,
		TurnTimeout:        cfg.Orchestrator.TurnTimeoutDuration(),
		TokenBudget:        cfg.Orchestrator.TokenBudget,
		MaxConcurrentTurns: cfg.LLM.MaxConcurrentTurns,
	}, log)

	// 10. Optional plan extension
	var planExecutor *plan.Executor
	var planStore *plan.Store
	if cfg.Plan.Enabled {
		planStore = plan.NewStore(pool, log)
		planExecutor = plan.NewExecutor(planStore, subtaskRunner(orch, store), eventBus, log)
		log.Info("Plan extension enabled")
	}

	// 11. Retention sweep for soft-deleted sessions
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := store.Cleanup(ctx, time.Now().Add(-sessionRetention))
				if err != nil {
					log.Error("Session cleanup failed", zap.Error(err))
				} else if n > 0 {
					log.Info("Purged soft-deleted sessions", zap.Int("count", n))
				}
			}
		}
	}()

	// 12. WebSocket edge and admin API on one server
	gw := gateway.NewGateway(store, orch, approvals, planExecutor, planStore,
		cfg.Gateway.HeartbeatIntervalDuration(), int64(cfg.Gateway.MaxMessageSize), log)
	go gw.Hub.Run(ctx)

	admin := api.NewServer(store, agents, approvals, eventBus, auditLog, planStore, httpmw.AuthConfig{
		InternalAPIKey: cfg.Auth.InternalAPIKey,
		JWTSecret:      cfg.Auth.JWTSecret,
	}, log)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	gw.SetupRoutes(router)
	router.NoRoute(gin.WrapH(admin.Router()))

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP shutdown failed", zap.Error(err))
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Error("Tracing shutdown failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("Server error", zap.Error(err))
	}
	log.Info("devrelay stopped")
}

// subtaskRunner runs each plan subtask as a turn on its assigned agent and
// returns the assistant's final answer as the subtask result.
func subtaskRunner(orch *orchestrator.Orchestrator, store session.Store) plan.RunnerFunc {
	return func(ctx context.Context, sessionID string, st *plan.Subtask) (string, error) {
		if err := orch.SwitchAgent(ctx, sessionID, st.Agent, "plan subtask", nil); err != nil {
			return "", err
		}
		if err := orch.HandleUserMessage(ctx, sessionID, st.Description, noopSink{}); err != nil {
			return "", err
		}
		msgs, err := store.GetMessages(ctx, sessionID)
		if err != nil {
			return "", err
		}
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == session.RoleAssistant {
				return msgs[i].Content, nil
			}
		}
		return "", nil
	}
}

// noopSink swallows turn output; plan subtasks report through the plan
// tables, not the live stream.
type noopSink struct{}

func (noopSink) SendAssistantDelta(string, string, bool) {}
func (noopSink) SendToolCall(string, tools.Call, bool)   {}

func (noopSink) SendAgentSwitched(string, string, string, string, float64) {}

func (noopSink) SendApprovalRequired(string, string, string, json.RawMessage, string) {}

func (noopSink) SendError(string, string) {}
