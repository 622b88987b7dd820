package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmmetrics "github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/chirpflow/internal/runtime/auth"
	"github.com/drblury/chirpflow/internal/runtime/collab"
	collabmem "github.com/drblury/chirpflow/internal/runtime/collab/memory"
	configpkg "github.com/drblury/chirpflow/internal/runtime/config"
	"github.com/drblury/chirpflow/internal/runtime/dedup"
	errspkg "github.com/drblury/chirpflow/internal/runtime/errors"
	"github.com/drblury/chirpflow/internal/runtime/eventbus"
	"github.com/drblury/chirpflow/internal/runtime/listener"
	loggingpkg "github.com/drblury/chirpflow/internal/runtime/logging"
	"github.com/drblury/chirpflow/internal/runtime/metrics"
	"github.com/drblury/chirpflow/internal/runtime/presence"
	"github.com/drblury/chirpflow/internal/runtime/protocol"
	"github.com/drblury/chirpflow/internal/runtime/registry"
	"github.com/drblury/chirpflow/internal/runtime/sequencer"
	"github.com/drblury/chirpflow/internal/runtime/server"
	"github.com/drblury/chirpflow/internal/runtime/store"
	"github.com/drblury/chirpflow/internal/runtime/store/memory"
	"github.com/drblury/chirpflow/internal/runtime/store/postgres"
	"github.com/drblury/chirpflow/internal/runtime/store/redis"
	"github.com/drblury/chirpflow/transport"
)

// sweepInterval and openStore are swapped in tests.
var sweepInterval = time.Minute

var openStore = func(ctx context.Context, conf *configpkg.Config) (store.Store, error) {
	switch strings.ToLower(conf.StoreBackend) {
	case "memory":
		return memory.New(), nil
	case "postgres", "postgresql":
		return postgres.Open(ctx, postgres.Config{ConnectionString: conf.PostgresURL})
	default:
		return redis.Open(conf.RedisURL)
	}
}

// TransportBuilder builds the broadcast channel. *transport.Registry
// implements it.
type TransportBuilder interface {
	Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error)
	GetCapabilities(name string) transport.Capabilities
}

// ServiceDependencies holds the optional collaborators of a Service. Nil
// collaborator fields fall back to the in-memory directory, seeded from
// Conf.DirectorySeedFile when set.
type ServiceDependencies struct {
	Store        store.Store
	Transports   TransportBuilder
	Participants collab.Participants
	Profiles     collab.Profiles
	Messages     collab.Messages
	Push         collab.PushNotifier
	// Registry receives every collector. A fresh registry is used when nil.
	Registry *prometheus.Registry
}

// Service wires the shared store, the broadcast channel and the delivery
// core behind the HTTP server.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	store     store.Store
	transport transport.Transport
	bus       *eventbus.Bus
	notifier  *eventbus.Notifier
	registry  *registry.Registry
	listener  *listener.Listener
	server    *server.Server
	metrics   *metrics.Metrics
	resources *resourceTracker
	startedAt time.Time
}

// NewService builds every component for conf. The returned Service owns the
// store and transport; Start closes them when it returns.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (svc *Service, err error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}

	log.Info("Creating delivery service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"store":         conf.StoreBackend,
		"config":        conf.String(),
	})

	s := &Service{
		Conf:      conf,
		Logger:    log,
		resources: newResourceTracker(),
		startedAt: time.Now(),
	}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	promReg := deps.Registry
	if promReg == nil {
		promReg = prometheus.NewRegistry()
		promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	s.metrics = metrics.New(promReg)
	if err := s.metrics.Register(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	s.store = deps.Store
	if s.store == nil {
		if s.store, err = openStore(ctx, conf); err != nil {
			return nil, fmt.Errorf("open %s store: %w", conf.StoreBackend, err)
		}
	}

	if err := s.buildTransport(ctx, deps, promReg); err != nil {
		return nil, err
	}

	seq, err := sequencer.New(s.store, sequencer.Config{
		CounterKey:  conf.CounterKey,
		LogKey:      conf.EventLogKey,
		RetainCount: conf.EventLogSize,
		RetainFor:   conf.EventLogTTL,
	}, log)
	if err != nil {
		return nil, err
	}
	s.bus, err = eventbus.New(seq, s.transport.Publisher, s.transport.Subscriber, eventbus.Config{
		Topic:      conf.BroadcastTopic,
		InstanceID: conf.InstanceID,
	}, log, s.metrics)
	if err != nil {
		return nil, err
	}

	collabs, err := resolveCollaborators(conf, deps)
	if err != nil {
		return nil, err
	}
	if s.notifier, err = eventbus.NewNotifier(s.bus, collabs.Participants); err != nil {
		return nil, err
	}

	coord, err := presence.New(s.store, s.bus, collabs.Participants, collabs.Profiles, presence.Config{
		Key:              conf.PresenceKey,
		InstanceID:       conf.InstanceID,
		LastSeenThrottle: conf.LastSeenThrottle,
	}, log)
	if err != nil {
		return nil, err
	}
	dd, err := dedup.New(s.store, dedup.Config{Prefix: conf.ProcessedPrefix, TTL: conf.ProcessedTTL}, log)
	if err != nil {
		return nil, err
	}
	validator, err := auth.NewValidator(conf.JWTSecret, conf.JWTIssuer)
	if err != nil {
		return nil, err
	}

	s.registry = registry.New(log)
	proto, err := protocol.New(protocol.Deps{
		Auth:         validator,
		Registry:     s.registry,
		Presence:     coord,
		Dedup:        dd,
		Broadcasts:   s.notifier,
		Participants: collabs.Participants,
		Profiles:     collabs.Profiles,
		Messages:     collabs.Messages,
		Push:         collabs.Push,
		Logger:       log,
		Metrics:      s.metrics,
	}, protocol.Config{
		InboundRate:     conf.InboundRate,
		InboundBurst:    conf.InboundBurst,
		MaxDecodeErrors: conf.MaxDecodeErrors,
	})
	if err != nil {
		return nil, err
	}

	s.listener, err = listener.New(s.bus, s.registry, listener.Config{
		Backoff:     conf.ListenerBackoff,
		SendTimeout: conf.SendTimeout,
	}, log, s.metrics)
	if err != nil {
		return nil, err
	}

	s.server, err = server.New(server.Config{
		Addr:            conf.HTTPAddr,
		InstanceID:      conf.InstanceID,
		PingInterval:    conf.PingInterval,
		SSEKeepAlive:    conf.SSEKeepAlive,
		ShutdownTimeout: conf.ShutdownTimeout,
	}, server.Deps{
		Protocol: proto,
		Syncer:   s.bus,
		Taps:     s.listener,
		Health:   s.store,
		Logger:   log,
		Metrics:  s.metrics,
	})
	if err != nil {
		return nil, err
	}

	if conf.MetricsEnabled {
		s.RegisterHTTPHandler(conf.MetricsPort, server.PathMetrics, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}))
		s.RegisterHTTPHandler(conf.MetricsPort, PathStats, http.HandlerFunc(s.handleStats))
	}
	return s, nil
}

func (s *Service) buildTransport(ctx context.Context, deps ServiceDependencies, promReg prometheus.Registerer) error {
	builder := deps.Transports
	if builder == nil {
		builder = transport.DefaultRegistry
	}
	t, err := builder.Build(ctx, s.Conf, loggingpkg.NewWatermillAdapter(s.Logger))
	if err != nil {
		return &errspkg.BusUnavailableError{Op: "build transport " + s.Conf.PubSubSystem, Err: err}
	}
	s.transport = t

	caps := builder.GetCapabilities(s.Conf.PubSubSystem)
	if caps.RequiresSyncForGaps() {
		s.Logger.Info("Broadcast transport is not durable, clients recover gaps through sync", loggingpkg.LogFields{
			"pubsub_system": s.Conf.PubSubSystem,
		})
	}

	if !s.Conf.MetricsEnabled {
		return nil
	}
	wm := wmmetrics.NewPrometheusMetricsBuilder(promReg, "chirpflow", "channel")
	pub, err := wm.DecoratePublisher(t.Publisher)
	if err != nil {
		return fmt.Errorf("decorate publisher: %w", err)
	}
	sub, err := wm.DecorateSubscriber(t.Subscriber)
	if err != nil {
		return fmt.Errorf("decorate subscriber: %w", err)
	}
	s.transport = transport.Transport{Publisher: pub, Subscriber: sub}
	return nil
}

type collaborators struct {
	Participants collab.Participants
	Profiles     collab.Profiles
	Messages     collab.Messages
	Push         collab.PushNotifier
}

// resolveCollaborators fills every missing collaborator from one in-memory
// directory so a partially configured deployment still shares state.
func resolveCollaborators(conf *configpkg.Config, deps ServiceDependencies) (collaborators, error) {
	c := collaborators{
		Participants: deps.Participants,
		Profiles:     deps.Profiles,
		Messages:     deps.Messages,
		Push:         deps.Push,
	}
	if c.Participants != nil && c.Profiles != nil && c.Messages != nil && c.Push != nil {
		return c, nil
	}

	dir := collabmem.New()
	if conf.DirectorySeedFile != "" {
		var err error
		if dir, err = collabmem.LoadSeed(conf.DirectorySeedFile); err != nil {
			return collaborators{}, err
		}
	}
	if c.Participants == nil {
		c.Participants = dir
	}
	if c.Profiles == nil {
		c.Profiles = dir
	}
	if c.Messages == nil {
		c.Messages = dir
	}
	if c.Push == nil {
		c.Push = dir
	}
	return c, nil
}

// Notifier lets collaborators outside the connection protocol broadcast
// chat-scoped events.
func (s *Service) Notifier() *eventbus.Notifier { return s.notifier }

// Bus returns the event bus.
func (s *Service) Bus() *eventbus.Bus { return s.bus }

// Handler returns the main HTTP route table.
func (s *Service) Handler() http.Handler { return s.server.Handler() }

// Metrics returns the delivery metrics.
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// RegisterHTTPHandler mounts handler on the main listener when port is zero,
// otherwise on a dedicated listener.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.server.RegisterHTTPHandler(port, pattern, handler)
}

type markerSweeper interface {
	SweepMarkers(ctx context.Context) (int64, error)
}

// Start runs the listener and HTTP server until ctx is cancelled or one of
// them fails, then releases the store and transport.
func (s *Service) Start(ctx context.Context) error {
	defer s.close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.listener.Run(ctx) })
	g.Go(func() error { return s.server.Run(ctx) })
	if sweeper, ok := s.store.(markerSweeper); ok {
		g.Go(func() error {
			s.sweep(ctx, sweeper)
			return nil
		})
	}

	s.Logger.Info("Delivery service started", loggingpkg.LogFields{
		"instance_id": s.Conf.InstanceID,
		"address":     s.Conf.HTTPAddr,
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.Logger.Info("Delivery service stopped", nil)
	return err
}

// sweep deletes expired markers for stores without native key expiry.
func (s *Service) sweep(ctx context.Context, sweeper markerSweeper) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sweeper.SweepMarkers(ctx)
			if err != nil {
				s.Logger.Error("Marker sweep failed", err, nil)
				continue
			}
			if n > 0 {
				s.Logger.Debug("Swept expired markers", loggingpkg.LogFields{"count": n})
			}
		}
	}
}

func (s *Service) close() {
	if err := s.transport.Close(); err != nil {
		s.Logger.Error("Failed to close transport", err, nil)
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.Logger.Error("Failed to close store", err, nil)
		}
	}
}
