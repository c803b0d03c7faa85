package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidwalker2235/fulgencio-project/internal/notify"
	"github.com/davidwalker2235/fulgencio-project/internal/observability"
	"github.com/davidwalker2235/fulgencio-project/internal/persona"
	"github.com/davidwalker2235/fulgencio-project/internal/policy"
	"github.com/davidwalker2235/fulgencio-project/internal/session"
	"github.com/davidwalker2235/fulgencio-project/internal/userstore"
)

// UserFetcher reads user records by order reference.
type UserFetcher interface {
	GetUser(ctx context.Context, id string) (userstore.Record, error)
}

// Resolver binds a session to the user record behind an order reference.
type Resolver struct {
	store         UserFetcher
	notifier      notify.Notifier
	timeout       time.Duration
	notifyTimeout time.Duration
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time

	pending sync.WaitGroup
}

type ResolverOptions struct {
	Timeout       time.Duration
	NotifyTimeout time.Duration
}

func NewResolver(store UserFetcher, notifier notify.Notifier, opts ResolverOptions, logger *zap.Logger, metrics *observability.Metrics) *Resolver {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:         store,
		notifier:      notifier,
		timeout:       opts.Timeout,
		notifyTimeout: opts.NotifyTimeout,
		logger:        logger,
		metrics:       metrics,
		now:           time.Now,
	}
}

// Resolve fetches the record for identifier and locks sess to it. It reports
// whether this call performed the lock. A locked session or an empty
// identifier is a no-op; a missing or empty record leaves the session
// unlocked so a later transcript can try again.
func (r *Resolver) Resolve(ctx context.Context, sess *session.Context, identifier string) (bool, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || sess.IsLocked() {
		return false, nil
	}
	log := r.logger.With(
		zap.String("session_id", sess.ID),
		zap.String("order_ref", policy.MaskIdentifier(identifier)),
	)

	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	rec, err := r.store.GetUser(fetchCtx, identifier)
	cancel()
	switch {
	case errors.Is(err, userstore.ErrNotFound):
		r.metrics.ResolverLookup("not_found")
		log.Info("no user record for order reference")
		return false, nil
	case err != nil:
		r.metrics.ResolverLookup("error")
		return false, fmt.Errorf("fetch user record: %w", err)
	case len(rec) == 0:
		r.metrics.ResolverLookup("empty")
		log.Info("user record is empty")
		return false, nil
	}

	if !sess.Lock(identifier, rec) {
		r.metrics.ResolverLookup("already_locked")
		return false, nil
	}
	r.metrics.ResolverLookup("locked")
	log.Info("session locked to user")

	resolution := notify.Resolution{
		OrderNumber: identifier,
		Name:        persona.DisplayName(rec),
		SessionID:   sess.ID,
		ResolvedAt:  r.now().UTC(),
	}
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		nctx, cancel := context.WithTimeout(context.Background(), r.notifyTimeout)
		defer cancel()
		if err := r.notifier.Notify(nctx, resolution); err != nil {
			log.Warn("resolution notification dropped", zap.Error(err))
		}
	}()
	return true, nil
}

// Wait blocks until in-flight notifications finish.
func (r *Resolver) Wait() {
	r.pending.Wait()
}
