package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/twitching/config"
	"github.com/onnwee/twitching/telemetry"
)

// Mode is the supervisor's connection state.
type Mode int32

const (
	ModeDisconnected Mode = iota
	ModeDirect
	ModeTunneled
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeTunneled:
		return "tunneled"
	default:
		return "disconnected"
	}
}

// reconnectBackoff is the fixed delay between reconnect attempts. This is a
// long-running service: retries are unbounded, only the delay is bounded.
const reconnectBackoff = 5 * time.Second

// Supervisor owns the Postgres pool and keeps it alive. It connects directly
// when it can, falls back to an SSH tunnel when it can't, and transparently
// performs one reconnect-and-retry on operations that hit a dead connection.
// A second consecutive failure surfaces to the caller; the periodic tick simply
// tries again next cycle.
type Supervisor struct {
	cfg *config.Config

	mu     sync.Mutex
	db     *sql.DB
	tunnel *sshTunnel

	mode atomic.Int32
	ops  atomic.Int64
}

// NewSupervisor creates an unconnected supervisor. Call Connect before use.
func NewSupervisor(cfg *config.Config) *Supervisor {
	return &Supervisor{cfg: cfg}
}

// Mode returns the current connection mode.
func (s *Supervisor) Mode() Mode { return Mode(s.mode.Load()) }

// Operations returns the number of operations executed since startup. Diagnostic only.
func (s *Supervisor) Operations() int64 { return s.ops.Load() }

// Connect establishes the pool, direct path first, tunneled path as fallback.
// Failure of both paths is returned to the caller; at startup that is fatal,
// since reconciliation correctness depends on durable state.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Supervisor) connectLocked(ctx context.Context) error {
	s.closeLocked()

	directErr := s.tryOpenLocked(ctx, s.cfg.DBDsn, ModeDirect)
	if directErr == nil {
		slog.Info("database connected", slog.String("mode", "direct"), slog.String("component", "db_supervisor"))
		return nil
	}
	if !s.cfg.TunnelConfigured() {
		return fmt.Errorf("direct connect failed and no tunnel configured: %w", directErr)
	}
	slog.Warn("direct connect failed, attempting SSH tunnel", slog.Any("err", directErr), slog.String("component", "db_supervisor"))

	tun := newSSHTunnel(s.cfg.TunnelSSHAddr, s.cfg.TunnelSSHUser, s.cfg.TunnelSSHKeyPath, s.cfg.TunnelRemoteAddr)
	if err := tun.Start(ctx); err != nil {
		return fmt.Errorf("tunnel start failed (direct: %v): %w", directErr, err)
	}
	dsn, err := rewriteDSNHost(s.cfg.DBDsn, tun.LocalAddr())
	if err != nil {
		tun.Close()
		return err
	}
	if err := s.tryOpenLocked(ctx, dsn, ModeTunneled); err != nil {
		tun.Close()
		return fmt.Errorf("tunneled connect failed (direct: %v): %w", directErr, err)
	}
	s.tunnel = tun
	slog.Info("database connected", slog.String("mode", "tunneled"), slog.String("local_addr", tun.LocalAddr()), slog.String("component", "db_supervisor"))
	return nil
}

func (s *Supervisor) tryOpenLocked(ctx context.Context, dsn string, mode Mode) error {
	pool, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		_ = pool.Close()
		return err
	}
	s.db = pool
	s.mode.Store(int32(mode))
	telemetry.SetConnMode(int(mode))
	return nil
}

func (s *Supervisor) closeLocked() {
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
	if s.tunnel != nil {
		s.tunnel.Close()
		s.tunnel = nil
	}
	s.mode.Store(int32(ModeDisconnected))
	telemetry.SetConnMode(int(ModeDisconnected))
}

// Close releases the pool and tunnel.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

// Ping checks pool liveness.
func (s *Supervisor) Ping(ctx context.Context) error {
	s.mu.Lock()
	pool := s.db
	s.mu.Unlock()
	if pool == nil {
		return errors.New("not connected")
	}
	return pool.PingContext(ctx)
}

// reconnect transitions to Disconnected, waits the fixed backoff, and attempts
// one reconnect cycle (direct then tunnel).
func (s *Supervisor) reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	if telemetry.DBReconnects != nil {
		telemetry.DBReconnects.Inc()
	}
	slog.Warn("database connection lost, reconnecting", slog.Duration("backoff", reconnectBackoff), slog.String("component", "db_supervisor"))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(reconnectBackoff):
	}
	return s.connectLocked(ctx)
}

// StartHeartbeat pings the pool on an interval and drives background reconnects
// on liveness failure, independent of in-flight operations.
func (s *Supervisor) StartHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.Ping(ctx); err == nil {
			continue
		}
		for ctx.Err() == nil {
			if err := s.reconnect(ctx); err == nil {
				break
			} else if ctx.Err() == nil {
				slog.Warn("reconnect attempt failed", slog.Any("err", err), slog.String("component", "db_supervisor"))
			}
		}
	}
}

// Pool exposes the raw connection pool for callers that need *sql.DB, such as
// the versioned migration runner. It may be nil while disconnected.
func (s *Supervisor) Pool() *sql.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

func (s *Supervisor) pool() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("database not connected")
	}
	return s.db, nil
}

// ExecContext runs a statement with single reconnect-and-retry on a dead connection.
func (s *Supervisor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	pool, err := s.pool()
	if err != nil {
		return nil, err
	}
	s.ops.Add(1)
	res, err := pool.ExecContext(ctx, query, args...)
	if err == nil || !isConnErr(err) {
		return res, err
	}
	if rerr := s.reconnect(ctx); rerr != nil {
		return nil, fmt.Errorf("exec failed and reconnect failed: %w", errors.Join(err, rerr))
	}
	pool, perr := s.pool()
	if perr != nil {
		return nil, perr
	}
	return pool.ExecContext(ctx, query, args...)
}

// QueryContext runs a query with the same retry contract as ExecContext.
func (s *Supervisor) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	pool, err := s.pool()
	if err != nil {
		return nil, err
	}
	s.ops.Add(1)
	rows, err := pool.QueryContext(ctx, query, args...)
	if err == nil || !isConnErr(err) {
		return rows, err
	}
	if rerr := s.reconnect(ctx); rerr != nil {
		return nil, fmt.Errorf("query failed and reconnect failed: %w", errors.Join(err, rerr))
	}
	pool, perr := s.pool()
	if perr != nil {
		return nil, perr
	}
	return pool.QueryContext(ctx, query, args...)
}

// QueryRowContext delegates to the pool without a liveness check: *sql.Row
// only surfaces errors at Scan, database/sql already retries a bad cached
// connection internally, and the heartbeat repairs a dead pool between
// operations. Single-row reads stay one round trip.
func (s *Supervisor) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	s.ops.Add(1)
	pool, err := s.pool()
	if err != nil {
		// Produce a Row whose Scan surfaces a connection error.
		return deadPool().QueryRowContext(ctx, query, args...)
	}
	return pool.QueryRowContext(ctx, query, args...)
}

// deadPool is a pool that always fails to connect, used so QueryRowContext can
// still hand back a *sql.Row when the supervisor is fully disconnected.
var deadPool = sync.OnceValue(func() *sql.DB {
	pool, _ := sql.Open("pgx", "postgres://127.0.0.1:1/disconnected?sslmode=disable&connect_timeout=1")
	return pool
})

// isConnErr classifies an error as a dead-connection error worth one retry.
func isConnErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"conn closed",
		"server closed",
		"terminating connection",
		"unexpected eof",
	} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// rewriteDSNHost points a Postgres URL DSN at the tunnel's local listener.
func rewriteDSNHost(dsn, localAddr string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse DSN: %w", err)
	}
	u.Host = localAddr
	return u.String(), nil
}
