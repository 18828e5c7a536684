package idempotency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/baharkarakas/fxcard-wallet/internal/apperr"
	"github.com/baharkarakas/fxcard-wallet/internal/repository/memory"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestReplayReturnsStoredBytes(t *testing.T) {
	g := NewGuard(memory.New(quiet), time.Hour, quiet)
	var calls int32
	fn := func(context.Context) Response {
		n := atomic.AddInt32(&calls, 1)
		if n > 1 {
			return Response{Status: 500, Body: []byte("second run")}
		}
		return Response{Status: 201, Body: []byte(`{"transaction":{"id":"t1"}}`)}
	}

	first, replayed, err := g.Do(context.Background(), "u1", "k1", []byte(`{"amountForeign":"10"}`), fn)
	if err != nil || replayed {
		t.Fatalf("first: replayed=%v err=%v", replayed, err)
	}
	second, replayed, err := g.Do(context.Background(), "u1", "k1", []byte(`{"amountForeign":"10"}`), fn)
	if err != nil || !replayed {
		t.Fatalf("second: replayed=%v err=%v", replayed, err)
	}
	if second.Status != first.Status || string(second.Body) != string(first.Body) {
		t.Fatalf("replay differs: %d %s vs %d %s", second.Status, second.Body, first.Status, first.Body)
	}
	if calls != 1 {
		t.Fatalf("fn ran %d times", calls)
	}
}

func TestDifferentBodyStillReplays(t *testing.T) {
	g := NewGuard(memory.New(quiet), time.Hour, quiet)
	fn := func(context.Context) Response { return Response{Status: 201, Body: []byte("a")} }
	_, _, _ = g.Do(context.Background(), "u1", "k1", []byte("x"), fn)

	resp, replayed, err := g.Do(context.Background(), "u1", "k1", []byte("y"), func(context.Context) Response {
		t.Fatalf("must not run")
		return Response{}
	})
	if err != nil || !replayed || string(resp.Body) != "a" {
		t.Fatalf("resp=%+v replayed=%v err=%v", resp, replayed, err)
	}
}

func TestConcurrentDuplicateSeesInProgress(t *testing.T) {
	g := NewGuard(memory.New(quiet), time.Hour, quiet)
	started := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan Response)

	go func() {
		resp, _, _ := g.Do(context.Background(), "u1", "k1", nil, func(context.Context) Response {
			close(started)
			<-finish
			return Response{Status: 201, Body: []byte("ok")}
		})
		done <- resp
	}()
	<-started

	if _, _, err := g.Do(context.Background(), "u1", "k1", nil, func(context.Context) Response {
		t.Fatalf("loser must not run")
		return Response{}
	}); !errors.Is(err, apperr.ErrIdempotencyInProgress) {
		t.Fatalf("err = %v, want in progress", err)
	}

	close(finish)
	<-done
	resp, replayed, err := g.Do(context.Background(), "u1", "k1", nil, nil)
	if err != nil || !replayed || string(resp.Body) != "ok" {
		t.Fatalf("after finish: resp=%+v replayed=%v err=%v", resp, replayed, err)
	}
}

func TestKeysAreScopedPerUser(t *testing.T) {
	g := NewGuard(memory.New(quiet), time.Hour, quiet)
	var calls int32
	fn := func(context.Context) Response {
		atomic.AddInt32(&calls, 1)
		return Response{Status: 201}
	}
	_, _, _ = g.Do(context.Background(), "u1", "same", nil, fn)
	_, _, _ = g.Do(context.Background(), "u2", "same", nil, fn)
	if calls != 2 {
		t.Fatalf("fn ran %d times, want 2", calls)
	}
}

func TestEmptyKeyRunsUnguarded(t *testing.T) {
	g := NewGuard(memory.New(quiet), time.Hour, quiet)
	var calls int32
	for i := 0; i < 2; i++ {
		_, replayed, _ := g.Do(context.Background(), "u1", "", nil, func(context.Context) Response {
			atomic.AddInt32(&calls, 1)
			return Response{Status: 200}
		})
		if replayed {
			t.Fatalf("unguarded call replayed")
		}
	}
	if calls != 2 {
		t.Fatalf("fn ran %d times, want 2", calls)
	}
}

func TestPanicStoresServerError(t *testing.T) {
	g := NewGuard(memory.New(quiet), time.Hour, quiet)
	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("panic swallowed")
			}
		}()
		_, _, _ = g.Do(context.Background(), "u1", "k1", nil, func(context.Context) Response { panic("boom") })
	}()

	resp, replayed, err := g.Do(context.Background(), "u1", "k1", nil, func(context.Context) Response {
		t.Fatalf("must not run again")
		return Response{}
	})
	if err != nil || !replayed || resp.Status != 500 {
		t.Fatalf("resp=%+v replayed=%v err=%v", resp, replayed, err)
	}
}

// flakyStore fails Complete the first failures times.
type flakyStore struct {
	*memory.Store
	failures int32
	calls    int32
}

func (s *flakyStore) Complete(ctx context.Context, userID, key string, status int, body []byte) error {
	if atomic.AddInt32(&s.calls, 1) <= s.failures {
		return errors.New("connection reset")
	}
	return s.Store.Complete(ctx, userID, key, status, body)
}

func TestCompleteIsRetried(t *testing.T) {
	store := &flakyStore{Store: memory.New(quiet), failures: 2}
	g := NewGuard(store, time.Hour, quiet)
	g.backoff = 0
	_, _, _ = g.Do(context.Background(), "u1", "k1", nil, func(context.Context) Response {
		return Response{Status: 201, Body: []byte("ok")}
	})
	resp, replayed, err := g.Do(context.Background(), "u1", "k1", nil, nil)
	if err != nil || !replayed || string(resp.Body) != "ok" {
		t.Fatalf("resp=%+v replayed=%v err=%v", resp, replayed, err)
	}
}

func TestCompleteFailureFreesKey(t *testing.T) {
	store := &flakyStore{Store: memory.New(quiet), failures: 100}
	g := NewGuard(store, time.Hour, quiet)
	g.backoff = 0
	var calls int32
	fn := func(context.Context) Response {
		atomic.AddInt32(&calls, 1)
		return Response{Status: 201}
	}
	_, _, _ = g.Do(context.Background(), "u1", "k1", nil, fn)
	if _, replayed, err := g.Do(context.Background(), "u1", "k1", nil, fn); err != nil || replayed {
		t.Fatalf("retry: replayed=%v err=%v", replayed, err)
	}
	if calls != 2 {
		t.Fatalf("fn ran %d times, want 2", calls)
	}
}

func TestTransientResponseIsNotStored(t *testing.T) {
	g := NewGuard(memory.New(quiet), time.Hour, quiet)
	resp, _, _ := g.Do(context.Background(), "u1", "k1", []byte("{"), func(context.Context) Response {
		return Response{Status: 400, Body: []byte("bad"), Transient: true}
	})
	if resp.Status != 400 {
		t.Fatalf("status = %d", resp.Status)
	}
	resp, replayed, err := g.Do(context.Background(), "u1", "k1", []byte(`{}`), func(context.Context) Response {
		return Response{Status: 201, Body: []byte("ok")}
	})
	if err != nil || replayed || resp.Status != 201 {
		t.Fatalf("resp=%+v replayed=%v err=%v", resp, replayed, err)
	}
}
