package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-sync/authority"
	"board-sync/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// syncSocket speaks the sync protocol with one replica. Each connection is an
// authority subscriber; its pulls are answered through that subscription.
func syncSocket(board Board, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return nil
		}
		defer conn.Close()

		ctx := c.Request().Context()
		id := uuid.NewString()
		entry := logger.WithFields(log.Fields{"conn": id, "user": userID})
		sub, err := board.Attach(ctx, id)
		if err != nil {
			entry.WithError(err).Warn("attach failed")
			return nil
		}
		entry.Debug("replica connected")

		done := make(chan struct{})
		go writePump(conn, sub, done, entry)
		readPump(ctx, conn, board, id, entry)

		if err := board.Detach(context.WithoutCancel(ctx), id); err != nil {
			entry.WithError(err).Debug("detach")
		}
		<-done
		entry.Debug("replica disconnected")
		return nil
	}
}

func readPump(ctx context.Context, conn *websocket.Conn, board Board, id string, entry log.FieldLogger) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				entry.WithError(err).Debug("read")
			}
			return
		}
		msg, err := domain.DecodeMessage(data)
		if err != nil {
			entry.WithError(err).Debug("undecodable frame dropped")
			continue
		}
		switch {
		case msg.Type == domain.MsgPull:
			err = board.Resync(ctx, id)
		case domain.IsRequest(msg.Type):
			op, decodeErr := msg.Op()
			if decodeErr != nil {
				entry.WithError(decodeErr).WithField("type", msg.Type).Debug("malformed operation dropped")
				continue
			}
			_, err = board.Apply(ctx, id, op)
		default:
			entry.WithField("type", msg.Type).Debug("unexpected message type dropped")
			continue
		}
		if err != nil {
			entry.WithError(err).Warn("authority unavailable")
			return
		}
	}
}

// writePump is the only writer on conn. It exits when the subscription closes,
// which happens on detach, eviction or authority shutdown.
func writePump(conn *websocket.Conn, sub *authority.Subscription, done chan<- struct{}, entry log.FieldLogger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		close(done)
	}()
	for {
		select {
		case msg, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "resync required"))
				return
			}
			data, err := domain.EncodeMessage(msg)
			if err != nil {
				entry.WithError(err).Error("encode message")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
