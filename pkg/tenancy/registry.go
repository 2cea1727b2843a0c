package tenancy

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/singleflight"

	appctx "github.com/Ramsey-B/thistle/pkg/context"
	"github.com/Ramsey-B/thistle/pkg/database"
	apperrors "github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

var errRegistryClosed = errors.New("connection registry is closed")

// Registry caches one connection pool per target for the life of the process.
// Concurrent first use of a target results in a single dial; a failed dial is
// not cached.
type Registry struct {
	directory *Directory
	dialer    Dialer
	logger    ectologger.Logger

	mu     sync.RWMutex
	conns  map[string]database.DB
	closed bool
	group  singleflight.Group
}

func NewRegistry(directory *Directory, dialer Dialer, logger ectologger.Logger) *Registry {
	return &Registry{
		directory: directory,
		dialer:    dialer,
		logger:    logger,
		conns:     map[string]database.DB{},
	}
}

func (r *Registry) Directory() *Directory {
	return r.directory
}

// ForTenant resolves tenantID to its target and returns that target's connection.
// The target name is stored on the returned context.
func (r *Registry) ForTenant(ctx context.Context, tenantID string) (context.Context, database.DB, error) {
	name := r.directory.Resolve(tenantID)
	ctx = appctx.SetTarget(ctx, name)
	if _, ok := r.directory.Target(name); !ok {
		return ctx, nil, apperrors.TenantResolution(tenantID, name)
	}
	db, err := r.GetConnection(ctx, name)
	return ctx, db, err
}

// GetConnection returns the cached pool for name, dialing it on first use.
func (r *Registry) GetConnection(ctx context.Context, name string) (database.DB, error) {
	if db, ok := r.cached(name); ok {
		return db, nil
	}

	ctx, span := tracing.StartSpan(ctx, "Registry.GetConnection")
	defer span.End()

	target, ok := r.directory.Target(name)
	if !ok {
		return nil, apperrors.TenantResolution("", name)
	}

	// waiters share the dial, so it must not die with the first caller's request
	dialCtx := context.WithoutCancel(ctx)
	v, err, shared := r.group.Do(name, func() (any, error) {
		if db, ok := r.cached(name); ok {
			return db, nil
		}
		return r.dial(dialCtx, target)
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if shared {
		r.logger.WithContext(ctx).WithField("target", name).Debug("Joined in-flight dial")
	}
	return v.(database.DB), nil
}

func (r *Registry) cached(name string) (database.DB, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	db, ok := r.conns[name]
	return db, ok
}

func (r *Registry) dial(ctx context.Context, target Target) (database.DB, error) {
	logger := r.logger.WithContext(ctx).WithField("target", target.Name)

	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, apperrors.Connection(target.Name, errRegistryClosed)
	}

	logger.Info("Dialing database target")
	db, err := r.dialer.Dial(ctx, target)
	if err != nil {
		metrics.ConnectionDialsTotal.WithLabelValues(target.Name, metrics.OutcomeError).Inc()
		logger.WithError(err).Error("Failed to connect to database target")
		return nil, apperrors.Connection(target.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = db.Close()
		return nil, apperrors.Connection(target.Name, errRegistryClosed)
	}
	r.conns[target.Name] = db
	metrics.ConnectionDialsTotal.WithLabelValues(target.Name, metrics.OutcomeSuccess).Inc()
	metrics.ConnectionsOpen.Set(float64(len(r.conns)))
	return db, nil
}

// Connections returns the names of targets with an established pool, sorted.
func (r *Registry) Connections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.conns))
	for name := range r.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ping checks every established pool and returns the failures keyed by target.
func (r *Registry) Ping(ctx context.Context) map[string]error {
	r.mu.RLock()
	conns := make(map[string]database.DB, len(r.conns))
	for name, db := range r.conns {
		conns[name] = db
	}
	r.mu.RUnlock()

	failures := map[string]error{}
	for name, db := range conns {
		if err := db.PingContext(ctx); err != nil {
			failures[name] = err
		}
	}
	return failures
}

// Close closes every cached pool. Later GetConnection calls fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	var errs []error
	for name, db := range r.conns {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
			r.logger.WithError(err).WithField("target", name).Error("Failed to close database target")
		}
		delete(r.conns, name)
	}
	metrics.ConnectionsOpen.Set(0)
	return errors.Join(errs...)
}
