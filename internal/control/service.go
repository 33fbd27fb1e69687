package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/wlantunnel/internal/core/config"
	"github.com/vietddude/wlantunnel/internal/core/domain"
	"github.com/vietddude/wlantunnel/internal/core/policy"
	"github.com/vietddude/wlantunnel/internal/core/tunnel"
	"github.com/vietddude/wlantunnel/internal/engine/dispatch"
	"github.com/vietddude/wlantunnel/internal/engine/health"
	"github.com/vietddude/wlantunnel/internal/engine/metrics"
	redisclient "github.com/vietddude/wlantunnel/internal/infra/redis"
	"github.com/vietddude/wlantunnel/internal/infra/storage"
	"github.com/vietddude/wlantunnel/internal/infra/storage/memory"
	"github.com/vietddude/wlantunnel/internal/infra/storage/postgres"
)

const slotLockTTL = 30 * time.Second

// Service is the main application struct that manages the engine lifecycle.
type Service struct {
	cfg        Config
	instanceID string
	registry   *dispatch.Registry

	healthMon    *health.Monitor
	healthServer *health.Server
	grpcHealth   *health.GRPCServer

	repo     storage.OutcomeRepository
	recorder *storage.Recorder
	pruner   *storage.Pruner
	db       *postgres.DB

	redisClient *redisclient.Client
	publisher   *redisclient.Publisher
	subscriber  *redisclient.EventSubscriber
	bridge      *redisclient.Bridge
	snapshots   *redisclient.SnapshotStore

	cancel context.CancelFunc
	group  *errgroup.Group
	log    *slog.Logger
}

// Config holds the service configuration.
type Config struct {
	Port              int
	GRPCPort          int
	Slots             []config.SlotConfig
	DefaultPolicyFile string
	Redis             redisclient.Config
	Database          postgres.Config
	History           config.HistoryConfig

	// Negotiator replaces the Redis bridge, e.g. in tests or when the
	// engine is embedded next to the IKE stack.
	Negotiator tunnel.Negotiator
}

// NewService creates a new Service instance with all dependencies initialized.
func NewService(cfg Config) (*Service, error) {
	s := &Service{
		cfg:        cfg,
		instanceID: uuid.NewString(),
		registry:   dispatch.NewRegistry(slog.Default()),
		log:        slog.Default().With("component", "service"),
	}

	// 1. Initialize Storage
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(context.Background()); err != nil {
			_ = db.Close()
			return nil, err
		}
		s.db = db
		s.repo = postgres.NewOutcomeRepo(db)
		s.log.Info("Using PostgreSQL outcome history", "driver", cfg.Database.Driver)
	} else {
		s.repo = memory.NewOutcomeRepo()
		s.log.Info("Using memory outcome history")
	}
	s.recorder = storage.NewRecorder(s.repo, slog.Default())
	s.pruner = storage.NewPruner(s.repo, cfg.History.Retention, slog.Default())

	// 2. Initialize Redis transport
	var notifier dispatch.Notifier
	negotiator := cfg.Negotiator
	slotIndexes := make([]int, 0, len(cfg.Slots))
	for _, sc := range cfg.Slots {
		slotIndexes = append(slotIndexes, sc.Index)
	}

	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			s.closeStorage()
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		s.redisClient = client
		s.publisher = redisclient.NewPublisher(client, slog.Default())
		s.subscriber = redisclient.NewEventSubscriber(client, s.registry, slotIndexes, slog.Default())
		s.snapshots = redisclient.NewSnapshotStore(client)
		notifier = s.publisher
		if negotiator == nil {
			s.bridge = redisclient.NewBridge(client, slotIndexes, s.lookupSink, slog.Default())
			negotiator = s.bridge
		}
	}
	if negotiator == nil {
		negotiator = &LogNegotiator{log: s.log}
		s.log.Warn("No negotiator configured, bring-up requests will only be logged")
	}

	// 3. Initialize Policies and Slots
	defaults, err := loadDefaults(cfg.DefaultPolicyFile)
	if err != nil {
		s.closeAll()
		return nil, err
	}

	inspectors := make([]health.SlotInspector, 0, len(cfg.Slots))
	for _, sc := range cfg.Slots {
		set := s.slotPolicies(defaults, sc)
		slot, err := dispatch.NewSlot(dispatch.Config{
			Slot:       sc.Index,
			QueueSize:  sc.QueueSize,
			Policies:   set,
			Negotiator: negotiator,
			Notifier:   notifier,
			Sink:       s.recorder,
			Logger:     slog.Default(),
		})
		if err != nil {
			s.closeAll()
			return nil, fmt.Errorf("slot %d: %w", sc.Index, err)
		}
		if err := s.registry.Add(slot); err != nil {
			s.closeAll()
			return nil, err
		}
		inspectors = append(inspectors, slot)

		label := strconv.Itoa(sc.Index)
		for _, apn := range sc.APNs {
			metrics.FailuresTotal.WithLabelValues(label, apn, policy.ErrorTypeAny.String()).Add(0)
		}
	}

	// 4. Initialize Health
	s.healthMon = health.NewMonitor(inspectors, 0)
	s.healthServer = health.NewServer(s.healthMon, cfg.Port)
	if cfg.GRPCPort > 0 {
		s.grpcHealth = health.NewGRPCServer(s.healthMon, cfg.GRPCPort, 0, slog.Default())
	}

	return s, nil
}

func loadDefaults(path string) (policy.Policies, error) {
	if path == "" {
		return policy.BuiltinDefaults(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read default policies: %w", err)
	}
	defaults, err := policy.LoadDefaults(data)
	if err != nil {
		return nil, fmt.Errorf("default policies %s: %w", path, err)
	}
	return defaults, nil
}

// slotPolicies builds the starting policy set of a slot. A carrier file that
// cannot be used leaves the slot on defaults.
func (s *Service) slotPolicies(defaults policy.Policies, sc config.SlotConfig) *policy.Set {
	base := policy.NewSet(defaults)
	if sc.CarrierPolicyFile == "" {
		return base
	}
	data, err := os.ReadFile(sc.CarrierPolicyFile)
	if err != nil {
		s.log.Warn("Failed to read carrier policies, using defaults", "slot", sc.Index, "error", err)
		return base
	}
	set, err := base.WithCarrier(sc.CarrierID, data)
	if err != nil {
		s.log.Warn("Carrier policies rejected, using defaults", "slot", sc.Index, "error", err)
	}
	return set
}

func (s *Service) lookupSink(slot int) (redisclient.TunnelSink, bool) {
	sl, ok := s.registry.Get(slot)
	if !ok {
		return nil, false
	}
	return sl, true
}

// Registry returns the slot registry.
func (s *Service) Registry() *dispatch.Registry {
	return s.registry
}

// Slot returns a slot by index.
func (s *Service) Slot(index int) (*dispatch.Slot, bool) {
	return s.registry.Get(index)
}

// Start starts the service and all its components.
func (s *Service) Start(ctx context.Context) error {
	if s.redisClient != nil {
		for _, slot := range s.registry.Slots() {
			if err := s.redisClient.AcquireSlotLock(ctx, slot.Index(), s.instanceID, slotLockTTL); err != nil {
				return err
			}
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	// Start Health Server
	go func() {
		if err := s.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Health server failed", "error", err)
		}
	}()
	if s.grpcHealth != nil {
		go func() {
			if err := s.grpcHealth.Start(); err != nil {
				s.log.Error("gRPC health server failed", "error", err)
			}
		}()
		s.goRun(g, "grpc-health", func() error {
			s.grpcHealth.Watch(gctx)
			return nil
		})
	}

	// Start DB Metrics Collector
	if s.db != nil {
		s.db.StartMetricsCollector(gctx)
	}

	s.goRun(g, "slots", func() error { return s.registry.Run(gctx) })
	s.goRun(g, "recorder", func() error { return s.recorder.Run(gctx) })
	s.goRun(g, "pruner", func() error {
		s.pruner.Start(gctx)
		return nil
	})

	if s.redisClient != nil {
		s.goRun(g, "publisher", func() error { return s.publisher.Run(gctx) })
		s.goRun(g, "subscriber", func() error { return s.subscriber.Run(gctx) })
		if s.bridge != nil {
			s.goRun(g, "negotiator-bridge", func() error { return s.bridge.Run(gctx) })
		}
		s.goRun(g, "snapshots", func() error {
			s.runSnapshots(gctx)
			return nil
		})
	}

	s.log.Info("Service started", "slots", len(s.registry.Slots()), "instance", s.instanceID)
	return nil
}

// goRun runs fn in the group. A failing component stops the others.
func (s *Service) goRun(g *errgroup.Group, name string, fn func() error) {
	g.Go(func() error {
		if err := fn(); err != nil {
			s.log.Error("Component failed", "component", name, "error", err)
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

// runSnapshots stores slot snapshots for the CLI and keeps the slot locks.
func (s *Service) runSnapshots(ctx context.Context) {
	interval := s.cfg.History.SnapshotInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, slot := range s.registry.Slots() {
				if err := s.redisClient.RefreshSlotLock(ctx, slot.Index(), slotLockTTL); err != nil {
					s.log.Warn("Failed to refresh slot lock", "slot", slot.Index(), "error", err)
				}
				snap, err := slot.Snapshot(ctx)
				if err != nil {
					continue
				}
				if err := s.snapshots.Save(ctx, snap, 3*interval); err != nil {
					s.log.Warn("Failed to store snapshot", "slot", slot.Index(), "error", err)
				}
			}
		}
	}
}

// Stop stops the service.
func (s *Service) Stop(ctx context.Context) error {
	s.log.Info("Stopping Service...")

	if s.cancel != nil {
		s.cancel()
	}

	var errs []error
	if s.group != nil {
		done := make(chan error, 1)
		go func() { done <- s.group.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for components: %w", ctx.Err()))
		}
	}

	if s.grpcHealth != nil {
		s.grpcHealth.Stop()
	}
	if err := s.healthServer.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	if s.redisClient != nil {
		for _, slot := range s.registry.Slots() {
			_ = s.redisClient.ReleaseSlotLock(ctx, slot.Index())
		}
	}
	s.closeAll()
	return errors.Join(errs...)
}

func (s *Service) closeStorage() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Service) closeAll() {
	s.closeStorage()
	if s.redisClient != nil {
		_ = s.redisClient.Close()
	}
}

// LogNegotiator only logs requests. It is used when no negotiator is
// reachable so the engine can still be inspected.
type LogNegotiator struct {
	log *slog.Logger
}

func (n *LogNegotiator) BringUp(ctx context.Context, key domain.SessionKey, req tunnel.BringUpRequest) error {
	n.log.Info("Bring-up requested", "slot", key.Slot, "apn", key.APN, "fqdn_index", req.FqdnIndex, "handover", req.IsHandover)
	return nil
}

func (n *LogNegotiator) CloseTunnel(ctx context.Context, key domain.SessionKey, force bool) error {
	n.log.Info("Close requested", "slot", key.Slot, "apn", key.APN, "force", force)
	return nil
}
