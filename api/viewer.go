package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

// View is a read-only local copy of the board, such as a replica fed from the
// Redis mirror.
type View interface {
	State() domain.BoardState
	Synced() bool
}

// RegisterViewer wires the read-only routes served by a follower process.
// Until the first snapshot arrives both report 503.
func RegisterViewer(e *echo.Echo, view View, auth Authenticator, logger *log.Logger) {
	e.GET("/api/board", viewBoard(view, auth, logger))
	e.GET("/healthz", func(c echo.Context) error {
		if !view.Synced() {
			return c.NoContent(http.StatusServiceUnavailable)
		}
		return c.NoContent(http.StatusOK)
	})
}

func viewBoard(view View, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
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
		if !view.Synced() {
			metrics.SetErrorStage("sync")
			return c.String(http.StatusServiceUnavailable, "board not synced yet")
		}

		encodeStart := time.Now()
		data, err := view.State().Encode()
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode")
			return err
		}
		return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, data)
	}
}
