package webhooks

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	coreerrors "milestonemarket/core/errors"
	"milestonemarket/core/events"
)

const owner = "0x00000000000000000000000000000000000000A1"

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("sqlite", filepath.Join(t.TempDir(), "webhooks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStoreSubscriptions(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	sub := &Subscription{Owner: owner, URL: "https://hooks.example.com/escrow", Secret: "s"}
	require.NoError(t, store.Create(ctx, sub))
	require.NotZero(t, sub.ID)
	require.Equal(t, AnyEvent, sub.EventType)
	require.True(t, sub.Active)

	typed := &Subscription{Owner: owner, EventType: "escrow.lock.created", URL: "http://localhost:9000/x", Secret: "s"}
	require.NoError(t, store.Create(ctx, typed))

	other := &Subscription{Owner: "0x00000000000000000000000000000000000000b2", EventType: "escrow.registry.created", URL: "http://localhost:9000/y", Secret: "s"}
	require.NoError(t, store.Create(ctx, other))

	mine, err := store.List(ctx, owner)
	require.NoError(t, err)
	require.Len(t, mine, 2)

	matches, err := store.ForEvent(ctx, "escrow.lock.created")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	matches, err = store.ForEvent(ctx, "escrow.registry.created")
	require.NoError(t, err)
	require.Len(t, matches, 2)

	err = store.Delete(ctx, owner, other.ID)
	require.ErrorIs(t, err, ErrNotOwner)
	require.Equal(t, "unauthorized", coreerrors.Kind(err))

	require.NoError(t, store.Delete(ctx, owner, typed.ID))
	_, err = store.Get(ctx, typed.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, "index_error", coreerrors.Kind(err))
}

func TestStoreRejectsInvalidSubscriptions(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	cases := map[string]Subscription{
		"no owner":   {URL: "https://a.example", Secret: "s"},
		"relative":   {Owner: owner, URL: "/hook", Secret: "s"},
		"scheme":     {Owner: owner, URL: "ftp://a.example", Secret: "s"},
		"no secret":  {Owner: owner, URL: "https://a.example"},
		"rate limit": {Owner: owner, URL: "https://a.example", Secret: "s", RateLimit: -1},
	}
	for name, sub := range cases {
		sub := sub
		err := store.Create(ctx, &sub)
		require.ErrorIs(t, err, ErrInvalid, name)
		require.Equal(t, "invalid_argument", coreerrors.Kind(err), name)
	}
	_, err := Open("mysql", "x")
	require.Error(t, err)
}

func TestQueueOverflowAndTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	q := NewQueue(WithCapacity(2), WithTTL(time.Minute), withClock(func() time.Time { return now }))
	for i := 1; i <= 3; i++ {
		q.Push(Task{Event: events.Record{Sequence: uint64(i)}})
	}
	require.Equal(t, 2, q.Len())

	ctx := context.Background()
	task, ok := q.Pop(ctx)
	require.True(t, ok)
	require.Equal(t, uint64(2), task.Event.Sequence)

	now = now.Add(2 * time.Minute)
	require.Equal(t, 1, q.Len())
	q.Push(Task{Event: events.Record{Sequence: 9}})
	require.Equal(t, 1, q.Len())

	cancelled, cancel := context.WithCancel(ctx)
	task, ok = q.Pop(cancelled)
	require.True(t, ok)
	require.Equal(t, uint64(9), task.Event.Sequence)
	cancel()
	_, ok = q.Pop(cancelled)
	require.False(t, ok)
}

type receiver struct {
	mu       sync.Mutex
	bodies   [][]byte
	failures atomic.Int32
}

func (rc *receiver) handler(secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !Verify(secret, body, r.Header.Get(SignatureHeader)) || r.Header.Get(DeliveryHeader) == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if rc.failures.Load() > 0 {
			rc.failures.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		rc.mu.Lock()
		rc.bodies = append(rc.bodies, body)
		rc.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (rc *receiver) first() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return string(rc.bodies[0])
}

func (rc *receiver) count() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.bodies)
}

func TestDispatcherDeliversSignedEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := openStore(t)

	rc := &receiver{}
	rc.failures.Store(2)
	srv := httptest.NewServer(rc.handler("topsecret"))
	defer srv.Close()

	sub := &Subscription{Owner: owner, EventType: "escrow.milestone.released", URL: srv.URL, Secret: "topsecret"}
	require.NoError(t, store.Create(ctx, sub))

	d := NewDispatcher(store, NewQueue(), Options{BackoffBase: 5 * time.Millisecond, Logger: quietLogger()})
	go d.Run(ctx)

	d.Deliver(events.Record{Sequence: 1, Type: "escrow.lock.created", Attributes: map[string]string{}})
	d.Deliver(events.Record{Sequence: 2, Type: "escrow.milestone.released", Attributes: map[string]string{"escrow": "0xaa", "index": "0"}})

	require.Eventually(t, func() bool { return rc.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Contains(t, rc.first(), `"sequence":2`)
	require.Contains(t, rc.first(), `"escrow":"0xaa"`)

	require.Eventually(t, func() bool {
		attempts, err := store.Attempts(ctx, sub.ID, 10)
		return err == nil && len(attempts) == 3 && attempts[0].Status == "success"
	}, 5*time.Second, 10*time.Millisecond)
	attempts, err := store.Attempts(ctx, sub.ID, 10)
	require.NoError(t, err)
	require.Equal(t, "retry", attempts[2].Status)
	require.NotNil(t, attempts[2].NextAttempt)
	require.Equal(t, 3, attempts[0].Attempt)
}

func TestDispatcherGivesUpAfterMaxAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := openStore(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sub := &Subscription{Owner: owner, URL: srv.URL, Secret: "s"}
	require.NoError(t, store.Create(ctx, sub))

	d := NewDispatcher(store, NewQueue(), Options{MaxAttempts: 2, BackoffBase: time.Millisecond, Logger: quietLogger()})
	go d.Run(ctx)
	d.Deliver(events.Record{Sequence: 5, Type: "escrow.registry.created", Attributes: map[string]string{}})

	require.Eventually(t, func() bool {
		attempts, err := store.Attempts(ctx, sub.ID, 10)
		return err == nil && len(attempts) == 2 && attempts[0].Status == "failed"
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(2), hits.Load())
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"type":"x"}`)
	sig := Sign("k", body)
	require.True(t, Verify("k", body, sig))
	require.False(t, Verify("other", body, sig))
	require.False(t, Verify("k", body, "zz"))
}
