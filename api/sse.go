package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

// streamKeepAlive is how often an idle stream writes a comment line so proxies
// keep the connection open.
var streamKeepAlive = 15 * time.Second

// streamBoard is a read-only viewer feed. The first event is the full board and
// every later event is an applied broadcast, in authority order.
func streamBoard(board Board, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		ctx := c.Request().Context()
		id := "sse-" + uuid.NewString()
		sub, err := board.Attach(ctx, id)
		if err != nil {
			return c.String(http.StatusServiceUnavailable, err.Error())
		}
		defer board.Detach(context.WithoutCancel(ctx), id)
		if err := board.Resync(ctx, id); err != nil {
			return c.String(http.StatusServiceUnavailable, err.Error())
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		c.Response().WriteHeader(http.StatusOK)
		flusher.Flush()

		entry := logger.WithFields(log.Fields{"stream": id, "user": userID})
		ticker := time.NewTicker(streamKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := c.Response().Write([]byte(": ping\n\n")); err != nil {
					entry.WithError(err).Debug("stream keep-alive")
					return nil
				}
				flusher.Flush()
			case msg, ok := <-sub.C:
				if !ok {
					entry.Debug("stream subscription closed")
					return nil
				}
				if err := writeEvent(c.Response(), msg); err != nil {
					entry.WithError(err).Debug("stream write")
					return nil
				}
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, msg domain.Message) error {
	if _, err := w.Write([]byte("event: " + msg.Type + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(msg.Data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n\n"))
	return err
}
