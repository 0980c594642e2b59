// Package server is the composition root: it opens the store, wires
// every component, runs the MCP message loop, and shuts everything
// down in reverse order.
package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rosfleet/rosfleet/pkg/api"
	"github.com/rosfleet/rosfleet/pkg/approval"
	"github.com/rosfleet/rosfleet/pkg/audit"
	"github.com/rosfleet/rosfleet/pkg/cache"
	"github.com/rosfleet/rosfleet/pkg/config"
	"github.com/rosfleet/rosfleet/pkg/executor"
	"github.com/rosfleet/rosfleet/pkg/health"
	"github.com/rosfleet/rosfleet/pkg/log"
	"github.com/rosfleet/rosfleet/pkg/mcp"
	"github.com/rosfleet/rosfleet/pkg/metrics"
	"github.com/rosfleet/rosfleet/pkg/plan"
	"github.com/rosfleet/rosfleet/pkg/ratelimit"
	"github.com/rosfleet/rosfleet/pkg/registry"
	"github.com/rosfleet/rosfleet/pkg/routeros"
	"github.com/rosfleet/rosfleet/pkg/snapshot"
	"github.com/rosfleet/rosfleet/pkg/storage"
	"github.com/rosfleet/rosfleet/pkg/tools"
	"github.com/rosfleet/rosfleet/pkg/types"
	"github.com/rosfleet/rosfleet/pkg/vault"
)

// Server owns the full component graph
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	store     storage.Store
	auditLog  *audit.Log
	vault     *vault.Vault
	client    *routeros.Client
	devices   *registry.Registry
	scheduler *health.Scheduler
	snapshots *snapshot.Store
	plans     *plan.Service
	approvals *approval.Gateway
	exec      *executor.Executor
	cache     *cache.Cache
	limiter   *ratelimit.Limiter
	tools     *tools.Registry
	mcpServer *mcp.Server
	admin     *api.Server
	collector *metrics.Collector

	auditFeed audit.Subscriber
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New builds the component graph from configuration. Nothing starts
// running until Run.
func New(cfg *config.Config, version string) (*Server, error) {
	// Logs go to stderr: stdout carries the MCP message stream
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.Format == "json",
		Output:     os.Stderr,
	})
	metrics.SetVersion(version)

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	auditLog := audit.NewLog(store)

	var vlt *vault.Vault
	if cfg.EncryptionKey != "" {
		vlt, err = vault.NewFromBase64(cfg.EncryptionKey, store, auditLog)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
	} else {
		// Reads and writes of credentials will fail until a key is set;
		// everything else still works
		vlt = vault.NewLocked(store, auditLog)
	}

	if len(cfg.ApprovalSecret) == 0 {
		_ = store.Close()
		return nil, fmt.Errorf("ROSFLEET_APPROVAL_SECRET is required")
	}
	secret := decodeSecret(cfg.ApprovalSecret)
	approvals, err := approval.NewGateway(secret, cfg.Approval.Lifetime(), store, auditLog)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("invalid approval secret: %w", err)
	}

	client := routeros.NewClient(routeros.Config{
		RESTTimeout: cfg.RouterOS.RESTTimeout(),
		SSHTimeout:  cfg.RouterOS.SSHTimeout(),
		PoolSize:    int64(cfg.RouterOS.PoolSize),
		InsecureTLS: cfg.RouterOS.InsecureTLS,
	}, vlt)

	devices := registry.New(store, auditLog)

	scheduler := health.NewScheduler(health.Config{
		Interval:          cfg.Health.Interval(),
		Jitter:            cfg.Health.Jitter(),
		ProbeTimeout:      cfg.Health.ProbeTimeout(),
		FailureThreshold:  cfg.Health.FailureThreshold,
		RecoveryThreshold: cfg.Health.RecoveryThreshold,
		RetentionKeep:     cfg.Health.RetentionKeep,
		RetentionAge:      cfg.Health.RetentionAge(),
	}, store, client)

	snapshots := snapshot.NewStore(snapshot.Config{
		RetentionKeep: cfg.Snapshots.RetentionKeep,
		RetentionAge:  cfg.Snapshots.RetentionAge(),
	}, store, client)

	env := types.Environment(cfg.Environment)
	plans := plan.NewService(plan.Config{
		Expiry:      cfg.Plans.Expiry(),
		ServiceEnv:  env,
		AutoApprove: cfg.Plans.AutoApprove,
	}, store, client, auditLog)

	execCfg := executor.DefaultConfig()
	execCfg.Workers = cfg.Queue.Workers
	execCfg.QueueSoftCap = cfg.Queue.SoftCap
	execCfg.PerDeviceLimit = int64(cfg.Queue.PerDeviceLimit)
	exec := executor.New(execCfg, store, client, scheduler, snapshots, auditLog)

	resourceCache := cache.New(cache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		DefaultTTL: cfg.Cache.TTL(),
	})
	exec.SetInvalidator(resourceCache.InvalidateDevice)
	limiter := ratelimit.New(ratelimit.DefaultConfig())

	toolRegistry := tools.NewRegistry(tools.Config{
		Environment: env,
		Version:     version,
	}, tools.Deps{
		Store:     store,
		Devices:   devices,
		Vault:     vlt,
		Client:    client,
		Health:    scheduler,
		Snapshots: snapshots,
		Plans:     plans,
		Approvals: approvals,
		Executor:  exec,
		Cache:     resourceCache,
		Limiter:   limiter,
		Audit:     auditLog,
	})

	s := &Server{
		cfg:       cfg,
		logger:    log.WithComponent("server"),
		store:     store,
		auditLog:  auditLog,
		vault:     vlt,
		client:    client,
		devices:   devices,
		scheduler: scheduler,
		snapshots: snapshots,
		plans:     plans,
		approvals: approvals,
		exec:      exec,
		cache:     resourceCache,
		limiter:   limiter,
		tools:     toolRegistry,
		mcpServer: mcp.NewServer(mcp.ServerInfo{Name: "rosfleet", Version: version}, toolRegistry),
		admin:     api.NewServer(cfg.Listen.HTTP),
		collector: metrics.NewCollector(store, exec.Depth, resourceCache.Len),
		stopCh:    make(chan struct{}),
	}
	return s, nil
}

// decodeSecret accepts either a base64-encoded or a raw secret string
func decodeSecret(s string) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil && len(decoded) >= 32 {
		return decoded
	}
	return []byte(s)
}

// Run starts every component and serves MCP messages from in/out until
// the stream closes or ctx is cancelled. identity names the caller for
// the whole connection; transports with real authentication resolve it
// before handing the stream over.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer, identity string) error {
	metrics.RegisterComponent("database", true, "")

	if err := s.exec.Start(); err != nil {
		return err
	}
	if err := s.scheduler.Start(); err != nil {
		return err
	}
	metrics.RegisterComponent("scheduler", true, "")

	s.plans.Start()
	s.collector.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.admin.Start(); err != nil {
			s.logger.Error().Err(err).Msg("admin http server failed")
		}
	}()

	conn := mcp.NewConn(s.mcpServer, out)
	s.startNotifier(conn)
	metrics.RegisterComponent("mcp", true, "")

	s.logger.Info().
		Str("environment", s.cfg.Environment).
		Str("data_dir", s.cfg.DataDir).
		Msg("rosfleet serving")

	err := conn.Serve(mcp.WithIdentity(ctx, identity), in)
	s.Stop()
	return err
}

// startNotifier fans committed audit events out to subscribed
// resources: a write against a device marks its URIs updated.
func (s *Server) startNotifier(conn *mcp.Conn) {
	s.auditFeed = s.auditLog.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case event, ok := <-s.auditFeed:
				if !ok {
					return
				}
				if event.DeviceID == "" {
					continue
				}
				for _, uri := range s.tools.SubscribedForDevice(event.DeviceID) {
					if err := conn.NotifyResourceUpdated(uri); err != nil {
						s.logger.Warn().Err(err).Str("uri", uri).Msg("resource notification failed")
						return
					}
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop shuts the graph down in reverse dependency order. Safe to call
// more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)

		s.exec.Stop()
		s.scheduler.Stop()
		s.plans.Stop()
		s.collector.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.admin.Stop(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("admin http shutdown failed")
		}

		if s.auditFeed != nil {
			s.auditLog.Unsubscribe(s.auditFeed)
		}
		s.wg.Wait()

		if err := s.store.Close(); err != nil {
			s.logger.Error().Err(err).Msg("store close failed")
		}
		s.logger.Info().Msg("rosfleet stopped")
	})
}
