package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"board-sync/authority"
	"board-sync/domain"
)

func newDeduper(t *testing.T) (*RedisDeduper, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})
	return NewRedisDeduper(client, time.Minute), m
}

func postWithKey(e *echo.Echo, body, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/ops", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(HeaderIdempotencyKey, key)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRedisDeduperNamespacesByUser(t *testing.T) {
	d, m := newDeduper(t)
	ctx := context.Background()

	if added, err := d.Add(ctx, "alice", "k1"); err != nil || !added {
		t.Fatalf("first add: %v %v", added, err)
	}
	if added, _ := d.Add(ctx, "alice", "k1"); added {
		t.Fatalf("expected duplicate for same user")
	}
	if added, _ := d.Add(ctx, "bob", "k1"); !added {
		t.Fatalf("keys must not collide across users")
	}
	if ttl := m.TTL("board:idem:alice:k1"); ttl != time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}
	if err := d.Remove(ctx, "alice", "k1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if added, _ := d.Add(ctx, "alice", "k1"); !added {
		t.Fatalf("expected key to be reusable after remove")
	}
}

func TestPostOpIdempotencyKey(t *testing.T) {
	a := startAuthority(t)
	d, _ := newDeduper(t)
	e := newServerWithDeduper(t, a, NoAuth{}, d)
	a.Add(context.Background(), "seed", domain.Item{ID: "x1"}, "Unassigned", nil, 1)

	// Both posts carry the same key; only the first delete may reach the board.
	if rec := postWithKey(e, `{"type":"delete","data":{"id":"x1","timestamp":2}}`, "op-1"); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	a.Add(context.Background(), "seed", domain.Item{ID: "x1"}, "Unassigned", nil, 3)
	if rec := postWithKey(e, `{"type":"delete","data":{"id":"x1","timestamp":4}}`, "op-1"); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for duplicate, got %d", rec.Code)
	}

	s, _ := a.Pull(context.Background())
	if !s.ItemExists("x1") || s.LastUpdated != 3 {
		t.Fatalf("duplicate was applied: %+v", s)
	}
}

func TestPostOpReleasesKeyWhenBoardStopped(t *testing.T) {
	a := authority.New(lanes)
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	cancel()
	<-a.Done()

	d, _ := newDeduper(t)
	e := newServerWithDeduper(t, a, NoAuth{}, d)
	if rec := postWithKey(e, `{"type":"delete","data":{"id":"x1"}}`, "op-2"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if added, _ := d.Add(context.Background(), "anonymous", "op-2"); !added {
		t.Fatalf("key should have been released for retry")
	}
}
