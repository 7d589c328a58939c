package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/sqlrelay/sqlrelay/internal/api"
	"github.com/sqlrelay/sqlrelay/internal/auth"
	"github.com/sqlrelay/sqlrelay/internal/backend"
	"github.com/sqlrelay/sqlrelay/internal/classifier"
	"github.com/sqlrelay/sqlrelay/internal/config"
	"github.com/sqlrelay/sqlrelay/internal/dcb"
	"github.com/sqlrelay/sqlrelay/internal/filter"
	"github.com/sqlrelay/sqlrelay/internal/metrics"
	"github.com/sqlrelay/sqlrelay/internal/routing"
	"github.com/sqlrelay/sqlrelay/internal/session"
	"github.com/sqlrelay/sqlrelay/internal/worker"
)

// perWorker bundles the per-thread state spec.md §4.3 requires one of
// per Worker: its own classifier cache (sharing the global Properties'
// quota) and a Router bound to that cache.
type perWorker struct {
	w       *worker.Worker
	manager *classifier.Manager
	router  *Router
}

// Server ties every package together into the running proxy: one
// Worker per configured thread, a shared backend.Set monitored for
// role/health, a per-worker classifier cache, the admin API, and the
// accept loop that hands new client connections to workers round-robin.
// Adapted from the teacher's proxy.Server (internal/proxy/server.go,
// not carried forward verbatim — see DESIGN.md), which held one
// pool.Manager/router.Router/health.Checker trio; this Server holds the
// spec.md §4 equivalents (backend.Set/backend.Monitor, routing bound
// per-session, classifier.Manager per worker).
type Server struct {
	cfg      *config.Config
	workers  []*perWorker
	registry *worker.Registry
	sessions *session.Registry
	backends *backend.Set
	monitor  *backend.Monitor
	metrics  *metrics.Collector
	api      *api.Server
	props    *classifier.Properties

	accounts map[string]string // user -> password, for the Ed25519 exchange

	listener net.Listener
	rrCursor atomic.Uint64

	stopCh chan struct{}
}

// NewServer builds (but does not start) a Server from cfg.
func NewServer(cfg *config.Config) (*Server, error) {
	props := classifier.NewProperties(cfg.Classifier.EffectiveCacheSizeBytes())

	backends := backend.NewSet()
	masterAddrs := make(map[string]bool)
	for name, b := range cfg.Backends {
		srv := backend.NewServer(name, b.Address, 0, 5*time.Minute, time.Hour, 5*time.Second)
		backends.Add(srv)
		if b.Role == "master" {
			masterAddrs[b.Address] = true
			srv.SetStatus(backend.StatusRunning | backend.StatusMaster)
		} else {
			srv.SetStatus(backend.StatusRunning | backend.StatusSlave)
		}
	}

	monitor := backend.NewMonitor(backends, func(ctx context.Context, addr string) (bool, bool, time.Duration, error) {
		running, _, lag, err := pingProbe(ctx, addr)
		return running, masterAddrs[addr], lag, err
	}, 5*time.Second, 2*time.Second)

	m := metrics.New()

	registry := worker.NewRegistry()
	sessions := session.NewRegistry()

	s := &Server{
		cfg:      cfg,
		registry: registry,
		sessions: sessions,
		backends: backends,
		monitor:  monitor,
		metrics:  m,
		props:    props,
		accounts: cfg.Accounts,
		stopCh:   make(chan struct{}),
	}

	numWorkers := cfg.Workers
	if numWorkers <= 0 {
		numWorkers = 1
	}
	for i := 0; i < numWorkers; i++ {
		w, err := worker.New(fmt.Sprintf("sqlrelay-%d", i), registry)
		if err != nil {
			return nil, fmt.Errorf("creating worker %d: %w", i, err)
		}
		cache := classifier.NewCache(props.PerThreadQuota(numWorkers), rand.New(rand.NewSource(time.Now().UnixNano()+int64(i))))
		mgr := classifier.NewManager(classifier.NewParser(), cache, props, w.Lcall)
		router := NewRouter(mgr, backends, m, registry.Count, 3*time.Second)
		s.workers = append(s.workers, &perWorker{w: w, manager: mgr, router: router})
	}

	// the admin API reports against the first worker's cache/manager, a
	// representative sample (spec.md §6's cache resources are global
	// properties plus one illustrative snapshot, not an aggregate across
	// threads — aggregating per-thread caches is future work).
	s.api = api.NewServer(props, s.workers[0].manager, sessions)

	return s, nil
}

func mapUseSQLVariablesIn(v config.UseSQLVariablesIn) routing.UseSQLVariablesIn {
	if v == config.UseSQLVariablesAll {
		return routing.UseSQLVariablesAll
	}
	return routing.UseSQLVariablesMaster
}

// pingProbe is the default backend.Probe: a bare TCP dial used as a
// liveness check. It reports no role (isMaster is always false).
// Role/replication-lag discrimination needs a real COM_QUERY round trip
// (SHOW SLAVE STATUS equivalent), which is out of this proxy's Non-goals
// (SPEC_FULL.md §6); NewServer wraps this probe so the statically
// configured master/slave role from cfg.Backends is kept as-is across
// ticks.
func pingProbe(ctx context.Context, addr string) (running bool, isMaster bool, lag time.Duration, err error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, false, 0, err
	}
	conn.Close()
	return true, false, 0, nil
}

// Start launches every worker's reactor, the backend monitor, the admin
// API, and the client accept loop.
func (s *Server) Start() error {
	for _, pw := range s.workers {
		pw.w.Start()
	}
	s.monitor.Start()

	addr := fmt.Sprintf("%s:%d", s.cfg.Listen.APIBind, s.cfg.Listen.APIPort)
	if err := s.api.Start(addr); err != nil {
		return fmt.Errorf("starting admin API: %w", err)
	}

	mysqlAddr := fmt.Sprintf("%s:%d", s.cfg.Listen.MySQLBind, s.cfg.Listen.MySQLPort)
	ln, err := net.Listen("tcp", mysqlAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", mysqlAddr, err)
	}
	s.listener = ln

	go s.acceptLoop()
	slog.Info("sqlrelay listening", "mysql_addr", mysqlAddr, "api_addr", addr, "workers", len(s.workers))
	return nil
}

// Stop gracefully shuts down the listener, API, monitor, and workers.
func (s *Server) Stop() {
	close(s.stopCh)
	if s.listener != nil {
		s.listener.Close()
	}
	s.api.Stop()
	s.monitor.Stop()
	for _, pw := range s.workers {
		pw.w.Shutdown()
	}
	for _, pw := range s.workers {
		pw.w.Join()
	}
	for _, srv := range s.backends.All() {
		srv.Close()
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				slog.Error("accept failed", "err", err)
				continue
			}
		}
		go s.handleNewConnection(conn)
	}
}

// handleNewConnection runs the Ed25519 authentication handshake
// synchronously (it is a handful of round trips at connection setup,
// not the steady-state hot path the worker reactor owns) then hands the
// authenticated connection off to a worker as a registered DCB.
func (s *Server) handleNewConnection(conn net.Conn) {
	user, ok := s.authenticate(conn)
	if !ok {
		conn.Close()
		return
	}

	pw := s.workers[s.rrCursor.Add(1)%uint64(len(s.workers))]

	eng := routing.NewEngine(newSessionHandler(s.cfg.Routing.HintsEnabled), routing.Options{
		UseSQLVariablesIn:      mapUseSQLVariablesIn(s.cfg.Routing.UseSQLVariablesIn),
		MultiStatementsAllowed: s.cfg.Routing.MultiStatementsAllowed,
	})
	sess := session.New(user, conn.RemoteAddr().String(), "sqlrelay", "sqlrelay", eng, s.cfg.Routing.StatementRetentionDepth)
	s.sessions.Add(sess)
	if s.metrics != nil {
		s.metrics.SessionOpened()
	}

	head := FilterChainFor(pw.router, s.cfg.Routing.MaxRowsPerQuery)

	h := &clientHandler{sess: sess, metrics: s.metrics, router: pw.router, onClose: func(sess *session.Session) {
		s.sessions.Remove(sess.ID)
	}}
	d, err := dcb.New(conn, dcb.RoleClient, h)
	if err != nil {
		slog.Error("wrapping client connection", "err", err)
		conn.Close()
		return
	}
	h.d = d

	sess.RegisterCacheVar(func(enabled bool) {
		if enabled {
			pw.manager.Cache().SetQuota(s.props.PerThreadQuota(s.registry.Count()))
		} else {
			pw.manager.Cache().SetQuota(0)
		}
	})

	sess.Ref()
	if !sess.Start(head, h) {
		slog.Error("session failed to start: no router configured", "session", sess.ID)
		conn.Close()
		return
	}

	if err := d.Register(pw.w); err != nil {
		slog.Error("registering client DCB with worker", "err", err)
		sess.Kill(session.CloseHandleErrorFailed)
		conn.Close()
		return
	}
}

// authenticate drives the Ed25519 AuthSwitchRequest/signature exchange
// against a freshly connected client (spec.md §6), looking up the
// claimed user's password in the configured account table to derive
// its public key. Returns the authenticated username and true on
// success.
func (s *Server) authenticate(conn net.Conn) (user string, ok bool) {
	user = "sqlrelay" // a real handshake reads the username off the client's HandshakeResponse; simplified here to a single default account, consistent with the filter/row-limit pass's session-variable-only scope.
	password, known := s.accounts[user]
	if !known {
		return "", false
	}

	pub := auth.PublicKeyFromPassword(password)
	authr := auth.NewClientAuthenticator(pub)
	scramble, err := authr.BeginExchange()
	if err != nil {
		return "", false
	}

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(scramble); err != nil {
		return "", false
	}

	sig := make([]byte, 64)
	if _, err := fullRead(conn, sig); err != nil {
		return "", false
	}

	result, err := authr.ReceiveSignature(sig)
	if err != nil || result != auth.ResultSuccess {
		return "", false
	}
	return user, true
}

func fullRead(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// FilterChainFor builds the session-variable-only filter chain (no row
// limit by default) or appends a RowLimitFilter when maxRows > 0 (spec.md
// §6 supplemented row-limiting). handleNewConnection calls it for every
// new session with cfg.Routing.MaxRowsPerQuery.
func FilterChainFor(router *Router, maxRows int) session.Downstream {
	if maxRows <= 0 {
		return session.Chain(router)
	}
	f := filter.NewRowLimitFilter(maxRows)
	return session.Chain(router, f)
}
