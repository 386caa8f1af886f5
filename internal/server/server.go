package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/keydex/keydex/internal/accesslog"
	"github.com/keydex/keydex/internal/api"
	"github.com/keydex/keydex/internal/backup"
	"github.com/keydex/keydex/internal/cluster"
	"github.com/keydex/keydex/internal/config"
	"github.com/keydex/keydex/internal/index"
	"github.com/keydex/keydex/internal/lifecycle"
	"github.com/keydex/keydex/internal/metrics"
	"github.com/keydex/keydex/internal/middleware"
	"github.com/keydex/keydex/internal/notify"
	"github.com/keydex/keydex/internal/ratelimit"
	"github.com/keydex/keydex/internal/scanner"
)

// Server owns the index, the notification dispatcher, the background
// workers and, when clustering is enabled, the Raft node. Run serves
// the HTTP API until a shutdown signal arrives.
type Server struct {
	cfg   *config.Config
	ix    *index.Index
	front api.Index
	node  *cluster.Node
	disp  *notify.Dispatcher
	mx    *metrics.Metrics
	start time.Time

	limiter *ratelimit.Limiter
	access  *accesslog.AccessLogger
	lc      *lifecycle.Worker
	bk      *backup.Scheduler
	sc      *scanner.Scanner
}

func New(cfg *config.Config) (*Server, error) {
	mx := metrics.New()

	// Open the index
	if err := os.MkdirAll(cfg.Index.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	ix, err := index.Open(filepath.Join(cfg.Index.DataDir, "keydex.db"), index.Options{
		LockTimeout:  time.Duration(cfg.Index.LockTimeoutSecs) * time.Second,
		DefaultLimit: cfg.Index.DefaultPageSize,
		MaxLimit:     cfg.Index.MaxPageSize,
		Metrics:      mx,
	})
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	// Export per-bucket usage at scrape time
	metrics.RegisterUsage(func() []metrics.BucketStat {
		rows, err := ix.TotalSizeByBucket()
		if err != nil {
			return nil
		}
		stats := make([]metrics.BucketStat, len(rows))
		for i, u := range rows {
			stats[i] = metrics.BucketStat{Bucket: u.Bucket, Objects: u.Objects, Bytes: u.TotalBytes}
		}
		return stats
	})

	// Notification dispatcher and backends
	disp := notify.NewDispatcher(cfg.Notify, mx)
	registerBackends(disp, cfg.Notify)
	ix.SetHook(disp.Dispatch)

	// Clustering: mutations go through the Raft log, reads stay local
	var front api.Index = ix
	var sweepIx lifecycle.Index = ix
	var node *cluster.Node
	if cfg.Cluster.Enabled {
		node, err = cluster.NewNode(cfg.Cluster, ix, mx)
		if err != nil {
			ix.Close()
			return nil, fmt.Errorf("init cluster: %w", err)
		}
		rep := index.NewReplicated(ix, node)
		front = rep
		sweepIx = rep
	}

	s := &Server{
		cfg:   cfg,
		ix:    ix,
		front: front,
		node:  node,
		disp:  disp,
		mx:    mx,
		start: time.Now(),
	}

	if cfg.Server.RateLimit.Enabled {
		rl := cfg.Server.RateLimit
		s.limiter = ratelimit.NewLimiter(rl.IPRPS, rl.IPBurst, rl.BucketRPS, rl.BucketBurst)
	}
	if cfg.Logging.AccessLog != "" {
		s.access, err = accesslog.NewAccessLogger(cfg.Logging.AccessLog)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open access log: %w", err)
		}
	}
	if cfg.Lifecycle.Enabled {
		s.lc = lifecycle.NewWorker(sweepIx, mx, cfg.Lifecycle.IntervalSecs, cfg.Lifecycle.UploadExpiryDays)
	}
	if cfg.Backup.Enabled {
		s.bk = backup.NewScheduler(ix, mx, cfg.Backup)
	}
	if cfg.Scanner.Enabled {
		s.sc = scanner.NewScanner(ix, mx, cfg.Scanner.IntervalSecs)
	}

	return s, nil
}

func registerBackends(disp *notify.Dispatcher, nc config.NotifyConfig) {
	if nc.NATS.Enabled && nc.NATS.URL != "" {
		b, err := notify.NewNATSBackend(nc.NATS.URL, nc.NATS.Subject)
		if err != nil {
			log.Printf("Warning: NATS backend failed to connect: %v", err)
		} else {
			disp.AddBackend(b)
		}
	}
	if nc.Kafka.Enabled && len(nc.Kafka.Brokers) > 0 {
		disp.AddBackend(notify.NewKafkaBackend(nc.Kafka.Brokers, nc.Kafka.Topic))
	}
	if nc.Redis.Enabled && nc.Redis.Addr != "" {
		disp.AddBackend(notify.NewRedisBackend(nc.Redis.Addr, nc.Redis.Password, nc.Redis.DB, nc.Redis.Channel))
	}
	if nc.AMQP.Enabled && nc.AMQP.URL != "" {
		disp.AddBackend(notify.NewAMQPBackend(nc.AMQP.URL, nc.AMQP.Exchange, nc.AMQP.RoutingKey))
	}
	if nc.Postgres.Enabled && nc.Postgres.DSN != "" {
		b, err := notify.NewPostgresBackend(nc.Postgres.DSN, nc.Postgres.Table)
		if err != nil {
			log.Printf("Warning: Postgres backend failed to connect: %v", err)
		} else {
			disp.AddBackend(b)
		}
	}
	if nc.Elasticsearch.Enabled && nc.Elasticsearch.URL != "" {
		disp.AddBackend(notify.NewElasticsearchBackend(nc.Elasticsearch.URL, nc.Elasticsearch.Index))
	}
}

// handler assembles the route table with the middleware chain applied.
// Rate limiting sits innermost so rejected requests still show up in
// the metrics and the access log.
func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler(s.start))
	mux.HandleFunc("/ready", readyHandler(s.ix))
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/v1/", api.NewHandler(s.front, s.node, s.bk, s.sc))

	var h http.Handler = mux
	if s.limiter != nil {
		h = ratelimit.Middleware(s.limiter, s.mx, h)
	}
	if s.access != nil {
		h = s.access.Middleware(h)
	}
	h = middleware.Observe(s.mx, h)
	h = middleware.SecurityHeaders(h)
	h = middleware.PanicRecovery(h)
	h = middleware.RequestID(h)
	return h
}

// Run starts the server and blocks until a shutdown signal is received.
// It handles graceful shutdown with a configurable timeout.
func (s *Server) Run() error {
	addr := s.cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: s.handler(),
	}

	scheme := "http"
	if s.cfg.Server.TLS.Enabled || s.cfg.Server.AutoTLS.Enabled {
		scheme = "https"
	}
	log.Printf("keydex starting on %s", addr)
	log.Printf("  Index db:     %s", filepath.Join(s.cfg.Index.DataDir, "keydex.db"))
	log.Printf("  Health:       %s://%s/health", scheme, addr)
	log.Printf("  Metrics:      %s://%s/metrics", scheme, addr)
	if s.cfg.Server.TLS.Enabled {
		log.Printf("  TLS:          enabled (%s, %s)", s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
	}
	if s.node != nil {
		log.Printf("  Cluster:      node %s, raft on %s", s.cfg.Cluster.NodeID, s.cfg.Cluster.RaftAddr())
	}
	log.Printf("  Notifications: %d workers, queue size %d", s.cfg.Notify.MaxWorkers, s.cfg.Notify.QueueSize)
	if s.limiter != nil {
		log.Printf("  Rate limit:   %.0f rps/ip, %.0f rps/bucket", s.cfg.Server.RateLimit.IPRPS, s.cfg.Server.RateLimit.BucketRPS)
	}
	if s.access != nil {
		log.Printf("  Access log:   %s", s.cfg.Logging.AccessLog)
	}
	if s.lc != nil {
		log.Printf("  Lifecycle:    abort uploads older than %dd, every %ds", s.cfg.Lifecycle.UploadExpiryDays, s.cfg.Lifecycle.IntervalSecs)
	}
	if s.bk != nil {
		log.Printf("  Backups:      %q into %s, keep %d", s.cfg.Backup.ScheduleCron, s.cfg.Backup.Dir, s.cfg.Backup.Keep)
	}
	if s.sc != nil {
		log.Printf("  Scanner:      verify every %ds", s.cfg.Scanner.IntervalSecs)
	}

	// Start notification and background workers
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	s.disp.Start(bgCtx)
	if s.lc != nil {
		go s.lc.Run(bgCtx)
	}
	if s.bk != nil {
		go s.bk.Run(bgCtx)
	}
	if s.sc != nil {
		go s.sc.Run(bgCtx)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if s.cfg.Server.ProxyProtocol {
		ln = middleware.NewProxyListener(ln)
		log.Printf("  PROXY proto:  enabled")
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		switch {
		case s.cfg.Server.AutoTLS.Enabled:
			tlsCfg, redirect := NewAutoTLS(s.cfg.Server.AutoTLS)
			httpServer.TLSConfig = tlsCfg
			if redirect != nil {
				// ACME http-01 challenges arrive on plain HTTP
				go http.ListenAndServe(":http", redirect)
			}
			errCh <- httpServer.ServeTLS(ln, "", "")
		case s.cfg.Server.TLS.Enabled:
			errCh <- httpServer.ServeTLS(ln, s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		default:
			errCh <- httpServer.Serve(ln)
		}
	}()

	// Wait for signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		log.Printf("Received %v, shutting down gracefully...", sig)
	}

	// Graceful shutdown
	timeout := time.Duration(s.cfg.Server.ShutdownTimeoutSecs) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Graceful shutdown timed out after %v: %v", timeout, err)
		return err
	}

	s.disp.Stop()
	if s.node != nil {
		if err := s.node.Shutdown(); err != nil {
			log.Printf("Raft shutdown: %v", err)
		}
	}

	log.Println("Server stopped gracefully")
	return nil
}

// Index exposes the local index for in-process read-only consumers such
// as the filesystem bridge.
func (s *Server) Index() *index.Index {
	return s.ix
}

func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.access != nil {
		s.access.Close()
	}
	if s.ix != nil {
		s.ix.Close()
	}
}
