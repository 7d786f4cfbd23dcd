// Package lock provides a non-blocking, named mutual-exclusion primitive
// shared by all background jobs. On postgres it maps names onto advisory
// locks, on mysql onto GET_LOCK, and on other dialects (sqlite, tests)
// onto an in-process registry. Contention is not an error: callers that
// lose simply skip their cycle.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	obsmetrics "github.com/smallbiznis/membercore/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Result reports whether the lock was held while work ran.
type Result struct {
	Acquired bool
}

// errNotAcquired aborts the surrounding transaction when the advisory lock
// is contended. Never returned to callers.
var errNotAcquired = errors.New("lock_not_acquired")

// Session locks run on a raw *sql.Conn, which bypasses gorm's bind-var
// rewriting. The placeholders here must be dialect-native: pgx only
// accepts $N, go-sql-driver only accepts ?.
const (
	pgSessionAcquireSQL    = "SELECT pg_try_advisory_lock($1)"
	pgSessionReleaseSQL    = "SELECT pg_advisory_unlock($1)"
	mysqlSessionAcquireSQL = "SELECT GET_LOCK(?, 0)"
	mysqlSessionReleaseSQL = "SELECT RELEASE_LOCK(?)"
)

type Manager struct {
	db  *gorm.DB
	log *zap.Logger

	mu   sync.Mutex
	held map[string]*heldLock // session locks from TryAcquire
	mem  *memoryRegistry      // fallback backend for dialects without native locks
}

type heldLock struct {
	conn *sql.Conn
}

func NewManager(db *gorm.DB, log *zap.Logger) *Manager {
	return &Manager{
		db:   db,
		log:  log.Named("lock"),
		held: make(map[string]*heldLock),
		mem:  newMemoryRegistry(),
	}
}

// Key hashes a lock name to the signed 64-bit key space used by the
// backing store.
func Key(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

func (m *Manager) dialect() string {
	return m.db.Dialector.Name()
}

// TryAcquire takes a session-scoped lock. It never returns an error:
// infrastructure failures are logged and degrade to "not acquired".
func (m *Manager) TryAcquire(ctx context.Context, name, correlationID string) bool {
	log := m.log.With(zap.String("lock", name), zap.String("correlation_id", correlationID))

	acquired := false
	switch m.dialect() {
	case "postgres", "mysql":
		acquired = m.tryAcquireSession(ctx, name, log)
	default:
		acquired = m.mem.tryAcquire(name)
	}

	if acquired {
		obsmetrics.Jobs().IncLockOutcome("acquired")
		log.Debug("lock acquired")
	} else {
		obsmetrics.Jobs().IncLockOutcome("contended")
		log.Debug("lock contended, skipping")
	}
	return acquired
}

func (m *Manager) tryAcquireSession(ctx context.Context, name string, log *zap.Logger) bool {
	sqlDB, err := m.db.DB()
	if err != nil {
		log.Warn("lock acquire failed", zap.Error(err))
		return false
	}

	// The lock lives on a pinned connection so release can target the
	// same session.
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		log.Warn("lock acquire failed", zap.Error(err))
		return false
	}

	var acquired bool
	switch m.dialect() {
	case "postgres":
		err = conn.QueryRowContext(ctx, pgSessionAcquireSQL, Key(name)).Scan(&acquired)
	case "mysql":
		var got sql.NullInt64
		err = conn.QueryRowContext(ctx, mysqlSessionAcquireSQL, mysqlLockName(name)).Scan(&got)
		acquired = err == nil && got.Valid && got.Int64 == 1
	}
	if err != nil || !acquired {
		if err != nil {
			log.Warn("lock acquire failed", zap.Error(err))
		}
		_ = conn.Close()
		return false
	}

	m.mu.Lock()
	if _, exists := m.held[name]; exists {
		// Same process already holds it through another call.
		m.mu.Unlock()
		m.releaseConn(ctx, name, conn, log)
		return false
	}
	m.held[name] = &heldLock{conn: conn}
	m.mu.Unlock()
	return true
}

// Release is best-effort: failures are logged, never surfaced.
func (m *Manager) Release(ctx context.Context, name, correlationID string) {
	log := m.log.With(zap.String("lock", name), zap.String("correlation_id", correlationID))

	switch m.dialect() {
	case "postgres", "mysql":
		m.mu.Lock()
		held, ok := m.held[name]
		delete(m.held, name)
		m.mu.Unlock()
		if !ok {
			log.Warn("release of lock not held by this process")
			return
		}
		m.releaseConn(ctx, name, held.conn, log)
	default:
		m.mem.release(name)
	}
	log.Debug("lock released")
}

func (m *Manager) releaseConn(ctx context.Context, name string, conn *sql.Conn, log *zap.Logger) {
	var err error
	switch m.dialect() {
	case "postgres":
		var released bool
		err = conn.QueryRowContext(ctx, pgSessionReleaseSQL, Key(name)).Scan(&released)
	case "mysql":
		var released sql.NullInt64
		err = conn.QueryRowContext(ctx, mysqlSessionReleaseSQL, mysqlLockName(name)).Scan(&released)
	}
	if err != nil {
		log.Warn("lock release failed", zap.Error(err))
	}
	if closeErr := conn.Close(); closeErr != nil {
		log.Warn("lock connection close failed", zap.Error(closeErr))
	}
}

// ExecuteWithLock runs work inside one transaction that also holds the
// named lock. When the lock is contended the transaction is rolled back,
// work never runs, and Result.Acquired is false with a nil error.
func (m *Manager) ExecuteWithLock(ctx context.Context, name, correlationID string, work func(tx *gorm.DB) error) (Result, error) {
	log := m.log.With(zap.String("lock", name), zap.String("correlation_id", correlationID))

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch m.dialect() {
		case "postgres":
			// Transaction-scoped: released automatically at commit or
			// rollback, so work and release share one transaction scope.
			var acquired bool
			if err := tx.Raw("SELECT pg_try_advisory_xact_lock(?)", Key(name)).Scan(&acquired).Error; err != nil {
				log.Warn("lock acquire failed", zap.Error(err))
				return errNotAcquired
			}
			if !acquired {
				return errNotAcquired
			}
		case "mysql":
			var got sql.NullInt64
			if err := tx.Raw("SELECT GET_LOCK(?, 0)", mysqlLockName(name)).Scan(&got).Error; err != nil || !got.Valid || got.Int64 != 1 {
				if err != nil {
					log.Warn("lock acquire failed", zap.Error(err))
				}
				return errNotAcquired
			}
			defer func() {
				var released sql.NullInt64
				if err := tx.Raw("SELECT RELEASE_LOCK(?)", mysqlLockName(name)).Scan(&released).Error; err != nil {
					log.Warn("lock release failed", zap.Error(err))
				}
			}()
		default:
			if !m.mem.tryAcquire(name) {
				return errNotAcquired
			}
			defer m.mem.release(name)
		}

		return work(tx)
	})

	if errors.Is(err, errNotAcquired) {
		obsmetrics.Jobs().IncLockOutcome("contended")
		log.Debug("lock contended, skipping")
		return Result{Acquired: false}, nil
	}
	if err != nil {
		return Result{Acquired: true}, err
	}
	obsmetrics.Jobs().IncLockOutcome("acquired")
	return Result{Acquired: true}, nil
}

func mysqlLockName(name string) string {
	// GET_LOCK names are limited to 64 characters; the hash keeps long
	// member-scoped names within bounds.
	return fmt.Sprintf("membercore:%x", uint64(Key(name)))
}
