package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-sync/authority"
	"board-sync/domain"
)

var lanes = []string{"Unassigned", "New York", "Boston"}

type denyAuth struct{}

func (denyAuth) UserIDFromAuthHeader(string) (string, error) { return "", errors.New("denied") }

func startAuthority(t *testing.T, opts ...authority.Option) *authority.Authority {
	t.Helper()
	a := authority.New(lanes, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-a.Done()
	})
	return a
}

func newServer(t *testing.T, board Board, auth Authenticator) *echo.Echo {
	return newServerWithDeduper(t, board, auth, nil)
}

func newServerWithDeduper(t *testing.T, board Board, auth Authenticator, deduper Deduper) *echo.Echo {
	t.Helper()
	e := echo.New()
	logger := log.New()
	logger.SetLevel(log.DebugLevel)
	Register(e, board, auth, deduper, logger)
	return e
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestGetBoardReturnsCanonicalBytes(t *testing.T) {
	a := startAuthority(t)
	e := newServer(t, a, NoAuth{})
	a.Add(context.Background(), "seed", domain.Item{ID: "x1", Callsign: "JBU123"}, "Unassigned", nil, 5)

	rec := do(e, http.MethodGet, "/api/board", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	state, _ := a.Pull(context.Background())
	want, _ := state.Encode()
	if !bytes.Equal(rec.Body.Bytes(), want) {
		t.Fatalf("want %s, got %s", want, rec.Body.Bytes())
	}
	again := do(e, http.MethodGet, "/api/board", "")
	if !bytes.Equal(rec.Body.Bytes(), again.Body.Bytes()) {
		t.Fatalf("consecutive pulls differ")
	}
}

func TestPostOpApplies(t *testing.T) {
	a := startAuthority(t)
	e := newServer(t, a, NoAuth{})

	body := `{"type":"add","data":{"item":{"id":"x1","callsign":"JBU123"},"lane":"Unassigned","timestamp":10}}`
	if rec := do(e, http.MethodPost, "/api/ops", body); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	body = `{"type":"patch","data":{"id":"x1","fields":{"centerEstimate":"1432"},"timestamp":11}}`
	if rec := do(e, http.MethodPost, "/api/ops", body); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	s, _ := a.Pull(context.Background())
	if s.Items["x1"].CenterEstimate != "1432" || s.LastUpdated != 11 {
		t.Fatalf("unexpected board: %+v", s)
	}
}

func TestPostOpSwallowsPreconditionFailures(t *testing.T) {
	a := startAuthority(t)
	e := newServer(t, a, NoAuth{})

	cases := []string{
		`{"type":"delete","data":{"id":"ghost"}}`,
		`{"type":"patch","data":{"id":"x1","fields":{"source":"external"}}}`,
		`{"type":"move","data":{"id":"x1","from":"Unassigned","to":"Chicago"}}`,
	}
	for _, body := range cases {
		if rec := do(e, http.MethodPost, "/api/ops", body); rec.Code != http.StatusAccepted {
			t.Fatalf("%s: expected 202, got %d", body, rec.Code)
		}
	}
	s, _ := a.Pull(context.Background())
	if len(s.Items) != 0 || s.LastUpdated != 0 {
		t.Fatalf("board changed: %+v", s)
	}
}

func TestPostOpRejectsBadEnvelopes(t *testing.T) {
	a := startAuthority(t)
	e := newServer(t, a, NoAuth{})

	for _, body := range []string{`not json`, `{"data":{}}`, `{"type":"item-added","data":{}}`, `{"type":"pull"}`} {
		if rec := do(e, http.MethodPost, "/api/ops", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestUnauthorized(t *testing.T) {
	a := startAuthority(t)
	e := newServer(t, a, denyAuth{})

	for _, path := range []string{"/api/board", "/api/stream", "/api/sync"} {
		if rec := do(e, http.MethodGet, path, ""); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}
	if rec := do(e, http.MethodPost, "/api/ops", `{"type":"delete","data":{"id":"x"}}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	a := authority.New(lanes)
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	e := newServer(t, a, NoAuth{})

	if rec := do(e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	cancel()
	<-a.Done()
	if rec := do(e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after stop, got %d", rec.Code)
	}
}
