package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/decred/slog"
	"github.com/vctt94/bisonbotkit/logging"

	"github.com/leravalera4/rps-game/gamedb"
	"github.com/leravalera4/rps-game/ledger"
	"github.com/leravalera4/rps-game/rpsgame"
	"github.com/leravalera4/rps-game/settlement"
)

// terminalGrace is how long a finished or cancelled session stays in the
// store to absorb late duplicate events before eviction.
const terminalGrace = 2 * time.Minute

// evictInterval is how often the janitor sweeps terminal sessions.
const evictInterval = 30 * time.Second

// Config carries everything the server needs at startup. The service key
// and program id are process-scoped and read-only after construction.
type Config struct {
	Dir        string // data directory: database and logs live here
	ListenAddr string // HTTP + websocket listen address

	RPCEndpoint    string // ledger node JSON-RPC URL
	ProgramHex     string // escrow program address, 64 hex chars
	ServiceKeyHex  string // custodial signing key, 64 hex chars
	PlatformWallet string // wallet collecting platform fees

	LogBackend *logging.LogBackend
}

// Server wires the coordinator, gateway, settlement layer and ledger
// boundary together and owns their lifecycles.
type Server struct {
	log slog.Logger
	cfg Config

	sessions   *rpsgame.Sessions
	coord      *Coordinator
	gateway    *Gateway
	reconciler *settlement.Reconciler
	finalizer  *settlement.Finalizer
	watcher    *ledger.EscrowWatcher
	db         gamedb.Store

	httpServer *http.Server
}

// NewServer assembles the full stack from config. Nothing starts running
// until Run.
func NewServer(cfg Config) (*Server, error) {
	if cfg.LogBackend == nil {
		return nil, fmt.Errorf("log backend is nil")
	}

	db, err := gamedb.NewBoltDB(filepath.Join(cfg.Dir, "rps.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	program, err := ledger.ParseAddress(cfg.ProgramHex)
	if err != nil {
		return nil, fmt.Errorf("program address: %w", err)
	}
	key, err := ledger.NewServiceKey(cfg.ServiceKeyHex)
	if err != nil {
		return nil, fmt.Errorf("service key: %w", err)
	}

	rpc := ledger.NewClient(cfg.RPCEndpoint)
	watcher := ledger.NewEscrowWatcher(cfg.LogBackend.Logger("WTCH"), rpc)

	s := &Server{
		log:      cfg.LogBackend.Logger("SRVR"),
		cfg:      cfg,
		sessions: rpsgame.NewSessions(),
		watcher:  watcher,
		db:       db,
	}

	s.gateway = NewGateway(cfg.LogBackend.Logger("GWAY"))
	s.coord = NewCoordinator(cfg.LogBackend.Logger("COOR"), s.sessions, s.gateway)
	s.gateway.Bind(s.coord)

	retry := ledger.DefaultRetryPolicy()
	s.reconciler = settlement.NewReconciler(cfg.LogBackend.Logger("RECN"), rpc, watcher,
		program, key, retry, s.coord.OnBothStaked, s.coord.OnEscrowUpdate)
	s.finalizer = settlement.NewFinalizer(cfg.LogBackend.Logger("FINL"), rpc, db,
		s.reconciler, program, key, retry, cfg.PlatformWallet, nil)
	s.coord.AttachSettlement(s.reconciler, s.finalizer)

	return s, nil
}

// Run starts the watcher, the eviction janitor and the HTTP listener, and
// blocks until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	go s.watcher.Run(ctx)
	go s.evictLoop(ctx)

	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", s.cfg.ListenAddr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

// evictLoop sweeps terminal sessions on a timer.
func (s *Server) evictLoop(ctx context.Context) {
	t := time.NewTicker(evictInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.sessions.EvictTerminal(terminalGrace); n > 0 {
				s.log.Debugf("evicted %d terminal sessions", n)
			}
		}
	}
}

// Shutdown stops the listener, drops every websocket, stops the watcher and
// closes the database. Safe to call once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down")

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Errorf("http shutdown: %v", err)
		}
	}
	s.gateway.Close()
	s.watcher.Stop()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
