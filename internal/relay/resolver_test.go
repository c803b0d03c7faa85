package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidwalker2235/fulgencio-project/internal/notify"
	"github.com/davidwalker2235/fulgencio-project/internal/session"
	"github.com/davidwalker2235/fulgencio-project/internal/userstore"
)

type recordingNotifier struct {
	mu  sync.Mutex
	got []notify.Resolution
	err error
}

func (n *recordingNotifier) Notify(_ context.Context, r notify.Resolution) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, r)
	return n.err
}

func (n *recordingNotifier) calls() []notify.Resolution {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Resolution(nil), n.got...)
}

type failingFetcher struct{ err error }

func (f failingFetcher) GetUser(context.Context, string) (userstore.Record, error) {
	return nil, f.err
}

func TestResolveLocksAndNotifies(t *testing.T) {
	store := userstore.NewInMemoryStore()
	store.Put("42", userstore.Record{"fullName": "Ana"})
	n := &recordingNotifier{}
	r := NewResolver(store, n, ResolverOptions{Timeout: time.Second}, zaptest.NewLogger(t), nil)
	sess := session.NewContext()

	locked, err := r.Resolve(context.Background(), sess, "42")
	require.NoError(t, err)
	assert.True(t, locked)
	r.Wait()

	calls := n.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "42", calls[0].OrderNumber)
	assert.Equal(t, "Ana", calls[0].Name)
	assert.Equal(t, sess.ID, calls[0].SessionID)
	assert.False(t, calls[0].ResolvedAt.IsZero())
}

func TestResolveIsIdempotentOnceLocked(t *testing.T) {
	store := userstore.NewInMemoryStore()
	store.Put("42", userstore.Record{"fullName": "Ana"})
	store.Put("99", userstore.Record{"fullName": "Luis"})
	r := newTestResolver(t, store)
	sess := session.NewContext()

	locked, err := r.Resolve(context.Background(), sess, "42")
	require.NoError(t, err)
	require.True(t, locked)

	locked, err = r.Resolve(context.Background(), sess, "99")
	require.NoError(t, err)
	assert.False(t, locked)

	id, rec, ok := sess.Identity()
	assert.True(t, ok)
	assert.Equal(t, "42", id)
	assert.Equal(t, "Ana", rec["fullName"])
}

func TestResolveLeavesSessionUnlocked(t *testing.T) {
	store := userstore.NewInMemoryStore()
	store.Put("7", userstore.Record{})
	r := newTestResolver(t, store)
	sess := session.NewContext()

	for _, id := range []string{"", "404", "7"} {
		locked, err := r.Resolve(context.Background(), sess, id)
		require.NoError(t, err, "Resolve(%q)", id)
		assert.False(t, locked, "Resolve(%q)", id)
	}
	assert.False(t, sess.IsLocked())
}

func TestResolveStoreFailureIsReported(t *testing.T) {
	r := newTestResolver(t, failingFetcher{err: errors.New("timeout")})
	sess := session.NewContext()

	locked, err := r.Resolve(context.Background(), sess, "42")
	assert.Error(t, err)
	assert.False(t, locked)
	assert.False(t, sess.IsLocked())
}

func TestResolveNotificationFailureDoesNotUnlock(t *testing.T) {
	store := userstore.NewInMemoryStore()
	store.Put("42", userstore.Record{"fullName": "Ana"})
	n := &recordingNotifier{err: errors.New("sink down")}
	r := NewResolver(store, n, ResolverOptions{}, zaptest.NewLogger(t), nil)
	sess := session.NewContext()

	locked, err := r.Resolve(context.Background(), sess, "42")
	require.NoError(t, err)
	assert.True(t, locked)
	r.Wait()
	assert.True(t, sess.IsLocked())
	assert.Len(t, n.calls(), 1)
}
