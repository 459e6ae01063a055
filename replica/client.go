package replica

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

const writeWait = 10 * time.Second

// Client connects a Replica to the authority's sync socket. Every (re)connect
// starts with a pull, so missed broadcasts are recovered only through the snapshot.
type Client struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	replica *Replica
	logger  log.FieldLogger
	backoff backoff.BackOff

	mu   sync.Mutex
	conn *websocket.Conn
}

type ClientOption func(*Client)

// WithToken sends token as a bearer Authorization header on every dial.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.header.Set("Authorization", "Bearer "+token) }
}

func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

func WithBackOff(b backoff.BackOff) ClientOption {
	return func(c *Client) { c.backoff = b }
}

func WithClientLogger(l log.FieldLogger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient binds r to the socket at url and installs itself as r's sender.
func NewClient(url string, r *Replica, opts ...ClientOption) *Client {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	c := &Client{
		url:     url,
		header:  http.Header{},
		dialer:  websocket.DefaultDialer,
		replica: r,
		logger:  log.StandardLogger(),
		backoff: b,
	}
	for _, opt := range opts {
		opt(c)
	}
	r.setSender(c)
	return c
}

// Send writes msg on the current connection.
func (c *Client) Send(msg domain.Message) error {
	data, err := domain.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Run keeps the replica connected until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		synced, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if synced {
			c.backoff.Reset()
		}
		wait := c.backoff.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		c.logger.WithError(err).WithField("retry_in", wait).Warn("sync connection lost")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// session runs one connection. It reports whether a snapshot was adopted.
func (c *Client) session(ctx context.Context) (bool, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		c.replica.desync()
	}()

	if err := c.Send(domain.PullMessage()); err != nil {
		return false, err
	}

	synced := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return synced, err
		}
		msg, err := domain.DecodeMessage(data)
		if err != nil {
			c.logger.WithError(err).Warn("undecodable frame from authority")
			continue
		}
		if err := c.replica.Handle(msg); err != nil {
			if errors.Is(err, domain.ErrMalformedPayload) || errors.Is(err, domain.ErrUnknownMessage) {
				c.logger.WithError(err).WithField("type", msg.Type).Warn("ignoring message")
				continue
			}
			return synced, err
		}
		if msg.Type == domain.MsgSnapshot {
			synced = true
		}
	}
}
