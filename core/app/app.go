package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/quartz"
	promclient "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/codewandler/trackr/adapters/firebase"
	"github.com/codewandler/trackr/adapters/firestore"
	"github.com/codewandler/trackr/adapters/httpapi"
	"github.com/codewandler/trackr/adapters/nats"
	"github.com/codewandler/trackr/adapters/prometheus"
	"github.com/codewandler/trackr/core/actor"
	"github.com/codewandler/trackr/core/dispatch"
	"github.com/codewandler/trackr/core/identity"
	"github.com/codewandler/trackr/core/keyed"
	"github.com/codewandler/trackr/core/registry"
	"github.com/codewandler/trackr/core/session"
	"github.com/codewandler/trackr/internal/shard"
	"github.com/codewandler/trackr/ports/kv"
	"github.com/codewandler/trackr/ports/sink"
)

var ErrNoShards = errors.New("no shards configured")

type SessionConfig struct {
	Timeout        time.Duration
	FlushThreshold int
	FlushTimeout   time.Duration
	FailurePolicy  session.FailurePolicy
	FlushRetries   int
	StrictConnect  bool
	// IdleTTL evicts idle session actors. Zero keeps them until shutdown.
	IdleTTL time.Duration
}

type NATSConfig struct {
	// URL selects the JetStream store. Empty with a nil Connect keeps state
	// in memory.
	URL      string
	Connect  nats.Connector
	Bucket   string
	Replicas int
}

type HTTPConfig struct {
	// Addr is the listen address of the API. Empty disables the listener;
	// Handler still serves requests.
	Addr           string
	RequestTimeout time.Duration
	OriginPatterns []string
}

type Config struct {
	Context context.Context
	Log     *slog.Logger
	Clock   quartz.Clock

	Shards         *shard.Directory
	MainShardURL   string
	ShardPolicy    string
	BucketSize     int
	InitialCounter uint64
	FirebaseAuth   string

	Session SessionConfig
	NATS    NATSConfig
	HTTP    HTTPConfig

	// Store and Sink replace the stores built from NATS and the shard
	// schemes.
	Store kv.Store
	Sink  sink.Writer

	// Metrics registers Prometheus collectors when set.
	Metrics promclient.Registerer
}

type App struct {
	ctx       context.Context
	cancelCtx context.CancelFunc
	log       *slog.Logger
	cfg       Config

	store     kv.Store
	closers   []func()
	registry  *registry.Service
	sessions  *keyed.Registry[*session.Handle]
	disp      *dispatch.Dispatcher
	api       *httpapi.Server
	listener  net.Listener
	listening chan struct{}
}

func New(config Config) (_ *App, err error) {
	app := &App{listening: make(chan struct{})}

	// === logger ===
	if config.Log == nil {
		config.Log = slog.Default()
	}
	app.log = config.Log

	// === context ===
	if config.Context == nil {
		config.Context = context.Background()
	}
	app.ctx, app.cancelCtx = context.WithCancel(config.Context)
	defer func() {
		if err != nil {
			app.closeResources()
			app.cancelCtx()
		}
	}()

	if config.Clock == nil {
		config.Clock = quartz.NewReal()
	}
	if config.Shards == nil || config.Shards.Len() == 0 {
		return nil, ErrNoShards
	}
	policy, err := identity.ParsePolicy(config.ShardPolicy, config.BucketSize)
	if err != nil {
		return nil, err
	}
	if config.NATS.Bucket == "" {
		config.NATS.Bucket = "trackr"
	}
	app.cfg = config

	// === metrics ===
	var (
		actorMetrics    = actor.NopActorMetrics()
		registryMetrics = registry.NopMetrics()
		sessionMetrics  = session.NopMetrics()
		keyedMetrics    = keyed.NopMetrics()
	)
	if config.Metrics != nil {
		m := prometheus.New(config.Metrics)
		actorMetrics, registryMetrics, sessionMetrics, keyedMetrics = m.Actor, m.Registry, m.Session, m.Keyed
	}

	// === state store ===
	if err := app.openStore(); err != nil {
		return nil, err
	}

	// === sinks ===
	httpOpts := firebase.Options{Auth: config.FirebaseAuth, Log: app.log}
	writer := config.Sink
	if writer == nil {
		fb := firebase.NewWriter(httpOpts)
		fs := firestore.NewWriter(firestore.Options{Log: app.log})
		app.closers = append(app.closers, func() { _ = fs.Close() })
		writer = sink.NewMux().
			Handle("https", fb).
			Handle("http", fb).
			Handle(firestore.Scheme, fs)
	}

	var dir registry.Directory
	if config.MainShardURL != "" {
		dir = firebase.NewDirectory(config.MainShardURL, httpOpts)
	}

	app.log.Debug("creating app",
		slog.Any("shards", config.Shards.URLs()),
		slog.String("policy", policy.Name()),
		slog.Bool("directory", dir != nil),
	)

	// === registry ===
	app.registry = registry.New(registry.Options{
		Context:        app.ctx,
		Store:          app.store,
		Policy:         policy,
		ShardCount:     config.Shards.Len(),
		InitialCounter: config.InitialCounter,
		Directory:      dir,
		Clock:          config.Clock,
		Log:            app.log,
		Metrics:        registryMetrics,
		ActorMetrics:   actorMetrics,
	})

	// === sessions ===
	sopts := session.Options{
		Context:        app.ctx,
		Store:          app.store,
		Resolver:       config.Shards,
		Sink:           writer,
		Clock:          config.Clock,
		Log:            app.log,
		SessionTimeout: config.Session.Timeout,
		FlushThreshold: config.Session.FlushThreshold,
		FlushTimeout:   config.Session.FlushTimeout,
		FailurePolicy:  config.Session.FailurePolicy,
		FlushRetries:   config.Session.FlushRetries,
		StrictConnect:  config.Session.StrictConnect,
		Metrics:        sessionMetrics,
		ActorMetrics:   actorMetrics,
	}
	app.sessions = keyed.New(keyed.Options[*session.Handle]{
		Factory: func(key string) (*session.Handle, error) { return session.Spawn(key, sopts), nil },
		IdleTTL: config.Session.IdleTTL,
		Clock:   config.Clock,
		Log:     app.log.With(slog.String("component", "sessions")),
		Metrics: keyedMetrics,
	})

	app.disp = dispatch.New(dispatch.Options{
		Registry: app.registry,
		Sessions: app.sessions,
		Log:      app.log,
	})
	app.api = httpapi.New(httpapi.Options{
		Dispatcher:     app.disp,
		Log:            app.log,
		RequestTimeout: config.HTTP.RequestTimeout,
		OriginPatterns: config.HTTP.OriginPatterns,
	})

	return app, nil
}

func (a *App) openStore() error {
	if a.cfg.Store != nil {
		a.store = a.cfg.Store
		return nil
	}
	connect := a.cfg.NATS.Connect
	if connect == nil && a.cfg.NATS.URL != "" {
		connect = nats.ConnectURL(a.cfg.NATS.URL)
	}
	if connect == nil {
		a.log.Warn("no nats configured, state is kept in memory")
		a.store = kv.NewMemStore()
		return nil
	}
	store, err := nats.NewKvStore(a.ctx, nats.KvConfig{
		Connect:  connect,
		Bucket:   a.cfg.NATS.Bucket,
		Replicas: a.cfg.NATS.Replicas,
		Log:      a.log,
	})
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

// Handler serves the HTTP API.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Addr returns the bound API address once Run is listening.
func (a *App) Addr() net.Addr {
	select {
	case <-a.listening:
		if a.listener != nil {
			return a.listener.Addr()
		}
	default:
	}
	return nil
}

// Listening is closed once Run has bound the API listener, or immediately
// after Run started when no listener is configured.
func (a *App) Listening() <-chan struct{} { return a.listening }

// Run blocks until ctx or the app context is done, sweeping idle sessions and
// serving the API when an address is configured.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.sessions.Run(ctx) })

	if a.cfg.HTTP.Addr == "" {
		close(a.listening)
		a.log.Info("app started")
		return g.Wait()
	}

	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		close(a.listening)
		cancel()
		_ = g.Wait()
		return fmt.Errorf("listen %s: %w", a.cfg.HTTP.Addr, err)
	}
	a.listener = ln
	close(a.listening)

	srv := &http.Server{
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return a.ctx },
	}
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	a.log.Info("app started", slog.String("addr", ln.Addr().String()))
	return g.Wait()
}

// Close flushes and checkpoints every live session, then releases the
// stores. Sessions are closed before the app context is cancelled so their
// final writes still go through.
func (a *App) Close(ctx context.Context) {
	a.sessions.Close(ctx)
	a.registry.Close(ctx)
	a.closeResources()
	a.cancelCtx()
	a.log.Info("app stopped")
}

func (a *App) closeResources() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
