package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livefish/cmdrelay/pkg/database"
	"github.com/livefish/cmdrelay/pkg/journal"
	"github.com/livefish/cmdrelay/pkg/protocol"
	"github.com/panjf2000/ants/v2"
)

const (
	statsInterval         = 30 * time.Second
	workerDrainTimeout    = 5 * time.Second
	httpShutdownTimeout   = 2 * time.Second
	shutdownNoticeTimeout = time.Second
	shutdownNotification  = "SERVER SHUTTING DOWN"
)

// Server is the command relay: it accepts admin and client connections,
// negotiates their identity and routes requests between them
type Server struct {
	config   ServerConfig
	journal  journal.Journal
	registry *Registry
	ledger   *Ledger
	metrics  *Metrics
	console  *Console
	pool     *ants.Pool

	listener      net.Listener
	httpServer    *http.Server
	metricsServer *http.Server

	ctx       context.Context // Parent of every session context
	cancel    context.CancelFunc
	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startTime time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// OpenJournal opens the journal backend selected by cfg
func OpenJournal(cfg ServerConfig) (journal.Journal, error) {
	switch cfg.JournalBackend {
	case JournalBackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.JournalDatabasePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal database directory: %w", err)
		}
		db, err := database.Open(cfg.JournalDatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal database: %w", err)
		}
		return db, nil
	case JournalBackendFile, "":
		j, err := journal.OpenFileJournal(cfg.JournalDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal directory: %w", err)
		}
		return j, nil
	default:
		return nil, fmt.Errorf("unknown journal backend %q", cfg.JournalBackend)
	}
}

// NewServer restores the request counter and registered ids from j and
// prepares the worker pool. The server owns j from here on and closes it in
// Stop. console may be nil.
func NewServer(cfg ServerConfig, j journal.Journal, console *Console) (*Server, error) {
	seed, err := LoadRequestCounter(j)
	if err != nil {
		return nil, err
	}
	ids, err := LoadRegisteredIDs(j)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry()
	registry.SeedRegistered(ids)

	pool, err := ants.NewPool(cfg.MaxWorkers(),
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(v any) {
			errorLog.Printf("Connection worker panicked: %v", v)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		journal:  j,
		registry: registry,
		ledger:   NewLedger(j, seed),
		metrics:  NewMetrics(),
		console:  console,
		pool:     pool,
		ctx:      ctx,
		cancel:   cancel,
		shutdown: make(chan struct{}),
	}

	s.console.Printf(LogInfo, "Request counter restored at %d", seed)
	s.console.Printf(LogInfo, "%d registered ids restored", len(ids))
	return s, nil
}

// Registry returns the connection registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// Ledger returns the request ledger
func (s *Server) Ledger() *Ledger {
	return s.ledger
}

// Metrics returns the server's collectors
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Addr returns the TCP listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the TCP listener and, when configured, the WebSocket and
// metrics HTTP listeners, then starts accepting
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	if s.config.HTTPPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.HandleWebSocket)
		srv, err := s.serveHTTP(s.config.HTTPPort, mux)
		if err != nil {
			listener.Close()
			return err
		}
		s.httpServer = srv
		log.Printf("WebSocket listener on :%d (/ws)", s.config.HTTPPort)
	}

	if s.config.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		mux.HandleFunc("/health", s.HealthHandler)
		srv, err := s.serveHTTP(s.config.MetricsPort, mux)
		if err != nil {
			listener.Close()
			if s.httpServer != nil {
				s.httpServer.Close()
			}
			return err
		}
		s.metricsServer = srv
		log.Printf("Metrics server on :%d (/metrics, /health) - INTERNAL ONLY", s.config.MetricsPort)
	}

	s.startTime = time.Now()
	if err := s.journal.Record(journal.OnOff, journal.Line(journal.FormatTimestamp(s.startTime), "on")); err != nil {
		errorLog.Printf("Failed to journal server start: %v", err)
	}

	s.wg.Add(1)
	go s.statsLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	s.console.Printf(LogServerState, "Server started on port %d, up to %d connections",
		listener.Addr().(*net.TCPAddr).Port, s.pool.Cap())
	return nil
}

// serveHTTP binds port and serves handler until Stop
func (s *Server) serveHTTP(port int, handler http.Handler) (*http.Server, error) {
	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server on %s: %v", addr, err)
		}
	}()
	return srv, nil
}

// Stop shuts the server down: stop accepting, tell every peer, disconnect
// everyone, drain the workers, then close the listeners and the journal
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.stop()
	})
	return err
}

func (s *Server) stop() error {
	s.console.Printf(LogServerState, "Shutting down...")
	close(s.shutdown)

	sessions := s.registry.All()
	notified := notifyAll(sessions, protocol.TypeInfo, shutdownNotification, shutdownNoticeTimeout)
	log.Printf("Shutdown notification sent to %d/%d sessions", notified, len(sessions))

	for _, sess := range sessions {
		s.disconnect(sess, "server shutting down")
	}

	// Aborts connections still negotiating their login
	s.cancel()

	if err := s.pool.ReleaseTimeout(workerDrainTimeout); err != nil {
		errorLog.Printf("Connection workers did not finish: %v", err)
	}

	if s.listener != nil {
		s.listener.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	for _, srv := range []*http.Server{s.httpServer, s.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
		}
	}
	s.wg.Wait()

	if err := s.journal.Record(journal.OnOff, journal.Line(journal.FormatTimestamp(time.Now()), "off")); err != nil {
		errorLog.Printf("Failed to journal server stop: %v", err)
	}
	if err := s.journal.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}

	s.console.Printf(LogServerState, "Server stopped")
	return nil
}

// notifyAll sends text to every session concurrently and waits at most
// timeout. Writes still pending afterwards fail when their session is
// disconnected.
func notifyAll(sessions []*Session, t protocol.MessageType, text string, timeout time.Duration) int {
	var notified atomic.Int64
	var wg sync.WaitGroup
	for _, sess := range sessions {
		sess := sess
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sess.sendText(t, text); err == nil {
				notified.Add(1)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
	return int(notified.Load())
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("Accept error: %v", err)
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.handleConnection(conn, conn.RemoteAddr().String())
	}
}

// handleConnection hands a new connection to a pool worker. When every
// worker is busy the peer gets ERROR "SERVER FULL" and is dropped.
func (s *Server) handleConnection(conn io.ReadWriteCloser, remoteAddr string) {
	select {
	case <-s.shutdown:
		conn.Close()
		return
	default:
	}

	sess := newSession(s.ctx, conn, remoteAddr, s.metrics)
	sess.transport.SetWriteTimeout(s.config.WriteTimeout)
	s.metrics.RecordConnection()
	s.connectionsSinceReport.Add(1)
	s.console.Printf(LogConnection, "Client connected: %s", remoteAddr)

	err := s.pool.Submit(func() {
		s.serveSession(sess)
	})
	if err == nil {
		return
	}

	reason := "pool_closed"
	if errors.Is(err, ants.ErrPoolOverload) {
		reason = "server_full"
		err = ErrServerFull
		if werr := sess.sendText(protocol.TypeError, "SERVER FULL"); werr != nil {
			debugLog.Printf("%s: failed to send server full: %v", sess, werr)
		}
	}
	s.metrics.RecordRejectedConnection(reason)
	s.console.Printf(LogError, "Rejected %s: %v", remoteAddr, err)
	sess.close()
}

type healthStatus struct {
	Status          string  `json:"status"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	Admins          int     `json:"admins"`
	Clients         int     `json:"clients"`
	PendingRequests int     `json:"pending_requests"`
	LastRequestID   int64   `json:"last_request_id"`
	Workers         int     `json:"workers"`
	WorkerCap       int     `json:"worker_cap"`
}

// HealthHandler reports liveness and current load as JSON
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	admins, clients := s.registry.Counts()
	status := healthStatus{
		Status:          "ok",
		Admins:          admins,
		Clients:         clients,
		PendingRequests: s.ledger.Len(),
		LastRequestID:   s.ledger.LastID(),
		Workers:         s.pool.Running(),
		WorkerCap:       s.pool.Cap(),
	}
	if !s.startTime.IsZero() {
		status.UptimeSeconds = time.Since(s.startTime).Seconds()
	}

	w.Header().Set("Content-Type", "application/json")
	select {
	case <-s.shutdown:
		status.Status = "shutting_down"
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
	}
	json.NewEncoder(w).Encode(status)
}

// statsLoop logs a one-line load summary periodically
func (s *Server) statsLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			admins, clients := s.registry.Counts()
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)
			log.Printf("[METRICS] Admins: %d, clients: %d, pending requests: %d, connected since last: %d, disconnected since last: %d, workers: %d, goroutines: %d",
				admins, clients, s.ledger.Len(), connected, disconnected, s.pool.Running(), runtime.NumGoroutine())
		}
	}
}
