package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

const maxOpBody = 1 << 20

// Register wires up all board routes on the provided Echo instance. deduper may
// be nil, in which case Idempotency-Key headers are ignored.
func Register(e *echo.Echo, board Board, auth Authenticator, deduper Deduper, logger *log.Logger) {
	e.GET("/api/board", getBoard(board, auth, logger))
	e.POST("/api/ops", postOp(board, auth, deduper, logger))
	e.GET("/api/sync", syncSocket(board, auth, logger))
	e.GET("/api/stream", streamBoard(board, auth, logger))
	e.GET("/healthz", healthz(board))
}

func healthz(board Board) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if _, err := board.Pull(ctx); err != nil {
			return c.NoContent(http.StatusServiceUnavailable)
		}
		return c.NoContent(http.StatusOK)
	}
}

func getBoard(board Board, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics := newRequestMetrics(logger, "/api/board")
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		_, authErr := authenticate(c, auth)
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.String(http.StatusUnauthorized, authErr.Error())
		}

		pullStart := time.Now()
		state, err := board.Pull(c.Request().Context())
		metrics.ObserveBoard(time.Since(pullStart))
		if err != nil {
			metrics.SetErrorStage("pull")
			return c.String(http.StatusServiceUnavailable, err.Error())
		}

		encodeStart := time.Now()
		data, err := state.Encode()
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode")
			return err
		}
		return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, data)
	}
}

// postOp accepts one request message. Precondition failures and malformed
// payloads are swallowed exactly as on the socket; only an unreadable envelope
// or a non-request type is a client error. A repeated Idempotency-Key is
// acknowledged without applying anything.
func postOp(board Board, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics := newRequestMetrics(logger, "/api/ops")
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := authenticate(c, auth)
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.String(http.StatusUnauthorized, authErr.Error())
		}

		body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxOpBody))
		if err != nil {
			metrics.SetErrorStage("read")
			return c.NoContent(http.StatusBadRequest)
		}
		msg, err := domain.DecodeMessage(body)
		if err != nil {
			metrics.SetErrorStage("decode")
			return c.String(http.StatusBadRequest, err.Error())
		}
		if !domain.IsRequest(msg.Type) {
			metrics.SetErrorStage("decode")
			return c.String(http.StatusBadRequest, "unsupported message type")
		}
		op, err := msg.Op()
		if err != nil {
			logger.WithError(err).WithField("type", msg.Type).Debug("malformed operation dropped")
			metrics.SetOp(msg.Type, false)
			return c.NoContent(http.StatusAccepted)
		}

		ctx := c.Request().Context()
		key := c.Request().Header.Get(HeaderIdempotencyKey)
		if deduper != nil && key != "" {
			added, err := deduper.Add(ctx, userID, key)
			if err != nil {
				metrics.SetErrorStage("dedupe")
				return c.String(http.StatusServiceUnavailable, err.Error())
			}
			if !added {
				logger.WithFields(log.Fields{"user": userID, "key": key}).Debug("duplicate operation skipped")
				return c.NoContent(http.StatusAccepted)
			}
		}

		applyStart := time.Now()
		applied, err := board.Apply(ctx, "http:"+userID, op)
		metrics.ObserveBoard(time.Since(applyStart))
		metrics.SetOp(msg.Type, applied)
		if err != nil {
			metrics.SetErrorStage("apply")
			if deduper != nil && key != "" {
				if rerr := deduper.Remove(context.WithoutCancel(ctx), userID, key); rerr != nil {
					logger.WithError(rerr).Warn("failed to release idempotency key")
				}
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			return c.String(http.StatusServiceUnavailable, err.Error())
		}
		return c.NoContent(http.StatusAccepted)
	}
}
