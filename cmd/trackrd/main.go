package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/serpent"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/codewandler/trackr/core/app"
	"github.com/codewandler/trackr/core/session"
	"github.com/codewandler/trackr/internal/shard"
)

type flags struct {
	shards         string
	mainShardURL   string
	shardPolicy    string
	bucketSize     int64
	initialCounter int64
	firebaseAuth   string

	sessionTimeout time.Duration
	flushThreshold int64
	flushTimeout   time.Duration
	failurePolicy  string
	flushRetries   int64
	strictConnect  bool
	idleTTL        time.Duration

	natsURL      string
	natsBucket   string
	natsReplicas int64

	addr           string
	metricsAddr    string
	requestTimeout time.Duration
	origins        []string
	shutdown       time.Duration

	logLevel  string
	logFormat string
}

func (f *flags) options() serpent.OptionSet {
	return serpent.OptionSet{
		{
			Flag:        "shards",
			Env:         "SHARD_CONFIG",
			Description: "Shard URLs as a JSON array or comma separated list. The position is the shard index.",
			Value:       serpent.StringOf(&f.shards),
		},
		{
			Flag:        "main-shard-url",
			Env:         "MAIN_SHARD_URL",
			Description: "Database receiving the identity directory and user count. Empty disables the directory.",
			Value:       serpent.StringOf(&f.mainShardURL),
		},
		{
			Flag:        "shard-policy",
			Env:         "TRACKR_SHARD_POLICY",
			Description: "How new identities are spread over shards.",
			Default:     "modulo",
			Value:       serpent.EnumOf(&f.shardPolicy, "modulo", "bucket"),
		},
		{
			Flag:        "bucket-size",
			Env:         "TRACKR_BUCKET_SIZE",
			Description: "Identities per shard under the bucket policy.",
			Default:     "1000",
			Value:       serpent.Int64Of(&f.bucketSize),
		},
		{
			Flag:        "initial-counter",
			Env:         "TRACKR_INITIAL_COUNTER",
			Description: "Counter value used when none is persisted yet.",
			Default:     "0",
			Value:       serpent.Int64Of(&f.initialCounter),
		},
		{
			Flag:        "firebase-auth",
			Env:         "TRACKR_FIREBASE_AUTH",
			Description: "Auth token appended to Realtime Database REST requests.",
			Value:       serpent.StringOf(&f.firebaseAuth),
		},
		{
			Flag:        "session-timeout",
			Env:         "TRACKR_SESSION_TIMEOUT",
			Description: "Inactivity after which a session ends.",
			Default:     "30m",
			Value:       serpent.DurationOf(&f.sessionTimeout),
		},
		{
			Flag:        "flush-threshold",
			Env:         "TRACKR_FLUSH_THRESHOLD",
			Description: "Buffered client events that trigger a flush.",
			Default:     "5",
			Value:       serpent.Int64Of(&f.flushThreshold),
		},
		{
			Flag:        "flush-timeout",
			Env:         "TRACKR_FLUSH_TIMEOUT",
			Description: "Deadline of a single sink write.",
			Default:     "10s",
			Value:       serpent.DurationOf(&f.flushTimeout),
		},
		{
			Flag:        "failure-policy",
			Env:         "TRACKR_FAILURE_POLICY",
			Description: "What happens to a batch the sink rejects.",
			Default:     string(session.DropOnFailure),
			Value:       serpent.EnumOf(&f.failurePolicy, string(session.DropOnFailure), string(session.RetryThenDeadLetter)),
		},
		{
			Flag:        "flush-retries",
			Env:         "TRACKR_FLUSH_RETRIES",
			Description: "Extra sink attempts under the retry policy.",
			Default:     "3",
			Value:       serpent.Int64Of(&f.flushRetries),
		},
		{
			Flag:        "strict-connect",
			Env:         "TRACKR_STRICT_CONNECT",
			Description: "Reject a second concurrent connection of the same identity.",
			Value:       serpent.BoolOf(&f.strictConnect),
		},
		{
			Flag:        "idle-ttl",
			Env:         "TRACKR_IDLE_TTL",
			Description: "Idle session actors are passivated after this long. 0 keeps them.",
			Default:     "1h",
			Value:       serpent.DurationOf(&f.idleTTL),
		},
		{
			Flag:        "nats-url",
			Env:         "NATS_URL",
			Description: "JetStream server holding durable state. Empty keeps state in memory.",
			Value:       serpent.StringOf(&f.natsURL),
		},
		{
			Flag:        "nats-bucket",
			Env:         "TRACKR_NATS_BUCKET",
			Description: "Key-value bucket name.",
			Default:     "trackr",
			Value:       serpent.StringOf(&f.natsBucket),
		},
		{
			Flag:        "nats-replicas",
			Env:         "TRACKR_NATS_REPLICAS",
			Description: "Replicas of the key-value bucket.",
			Default:     "1",
			Value:       serpent.Int64Of(&f.natsReplicas),
		},
		{
			Flag:        "addr",
			Env:         "TRACKR_ADDR",
			Description: "API listen address.",
			Default:     ":8080",
			Value:       serpent.StringOf(&f.addr),
		},
		{
			Flag:        "metrics-addr",
			Env:         "TRACKR_METRICS_ADDR",
			Description: "Prometheus listen address. Empty disables metrics.",
			Default:     ":9090",
			Value:       serpent.StringOf(&f.metricsAddr),
		},
		{
			Flag:        "request-timeout",
			Env:         "TRACKR_REQUEST_TIMEOUT",
			Description: "Deadline of request/response API calls.",
			Default:     "30s",
			Value:       serpent.DurationOf(&f.requestTimeout),
		},
		{
			Flag:        "origin",
			Env:         "TRACKR_ORIGINS",
			Description: "Allowed WebSocket origin patterns.",
			Value:       serpent.StringArrayOf(&f.origins),
		},
		{
			Flag:        "shutdown-timeout",
			Env:         "TRACKR_SHUTDOWN_TIMEOUT",
			Description: "Time allowed for flushing open sessions on shutdown.",
			Default:     "30s",
			Value:       serpent.DurationOf(&f.shutdown),
		},
		{
			Flag:        "log-level",
			Env:         "TRACKR_LOG_LEVEL",
			Default:     "info",
			Value:       serpent.EnumOf(&f.logLevel, "debug", "info", "warn", "error"),
		},
		{
			Flag:        "log-format",
			Env:         "TRACKR_LOG_FORMAT",
			Default:     "text",
			Value:       serpent.EnumOf(&f.logFormat, "text", "json"),
		},
	}
}

func (f *flags) logger() *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(f.logLevel))
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(f.logFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func (f *flags) config(log *slog.Logger) (app.Config, error) {
	dir, err := shard.Parse(f.shards)
	if err != nil {
		return app.Config{}, fmt.Errorf("shards: %w", err)
	}
	if dir.Len() == 0 {
		return app.Config{}, errors.New("shards: at least one shard url is required")
	}
	if f.initialCounter < 0 {
		return app.Config{}, errors.New("initial-counter must not be negative")
	}
	return app.Config{
		Log:            log,
		Shards:         dir,
		MainShardURL:   f.mainShardURL,
		ShardPolicy:    f.shardPolicy,
		BucketSize:     int(f.bucketSize),
		InitialCounter: uint64(f.initialCounter),
		FirebaseAuth:   f.firebaseAuth,
		Session: app.SessionConfig{
			Timeout:        f.sessionTimeout,
			FlushThreshold: int(f.flushThreshold),
			FlushTimeout:   f.flushTimeout,
			FailurePolicy:  session.FailurePolicy(f.failurePolicy),
			FlushRetries:   int(f.flushRetries),
			StrictConnect:  f.strictConnect,
			IdleTTL:        f.idleTTL,
		},
		NATS: app.NATSConfig{
			URL:      f.natsURL,
			Bucket:   f.natsBucket,
			Replicas: int(f.natsReplicas),
		},
		HTTP: app.HTTPConfig{
			Addr:           f.addr,
			RequestTimeout: f.requestTimeout,
			OriginPatterns: f.origins,
		},
	}, nil
}

func serveCmd() *serpent.Command {
	var f flags
	return &serpent.Command{
		Use:     "trackrd",
		Short:   "Analytics ingestion service",
		Options: f.options(),
		Handler: func(inv *serpent.Invocation) error {
			log := f.logger()
			cfg, err := f.config(log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(inv.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var reg *promclient.Registry
			if f.metricsAddr != "" {
				reg = promclient.NewRegistry()
				reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
				cfg.Metrics = reg
			}

			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), f.shutdown)
				defer cancel()
				a.Close(closeCtx)
			}()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.Run(ctx) })
			if reg != nil {
				g.Go(func() error { return serveMetrics(ctx, log, reg, f.metricsAddr) })
			}
			return g.Wait()
		},
	}
}

func serveMetrics(ctx context.Context, log *slog.Logger, reg *promclient.Registry, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("metrics listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func main() {
	err := serveCmd().Invoke().WithOS().Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
