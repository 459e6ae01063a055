// Package storage holds the process's external stores: the Redis mirror of the
// board and the Azure lane catalogue and queues.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-sync/authority"
	"board-sync/domain"
	"board-sync/replica"
)

const mirrorID = "redis-mirror"

// Source is the authority as the mirror sees it: an ordinary subscriber.
type Source interface {
	Attach(ctx context.Context, id string) (*authority.Subscription, error)
	Detach(ctx context.Context, id string) error
	Resync(ctx context.Context, id string) error
}

// MirrorConfig names the Redis channel and key the mirror writes.
type MirrorConfig struct {
	Channel     string
	SnapshotKey string
	TTL         time.Duration
}

// Mirror republishes everything the authority broadcasts to Redis and keeps the
// canonical snapshot under SnapshotKey. Redis failures never reach the authority.
type Mirror struct {
	rc     *redis.Client
	cfg    MirrorConfig
	logger log.FieldLogger
	copy   *replica.Replica
	retry  time.Duration
}

func NewMirror(rc *redis.Client, cfg MirrorConfig, logger log.FieldLogger) *Mirror {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Mirror{
		rc:     rc,
		cfg:    cfg,
		logger: logger.WithField("component", "mirror"),
		copy:   replica.New(replica.WithLogger(logger)),
		retry:  time.Second,
	}
}

// Run attaches to src and mirrors until ctx is cancelled or src stops. After an
// eviction it re-attaches and starts again from a fresh snapshot.
func (m *Mirror) Run(ctx context.Context, src Source) error {
	for {
		sub, err := src.Attach(ctx, mirrorID)
		if err != nil {
			return err
		}
		if err := src.Resync(ctx, mirrorID); err != nil {
			return err
		}
		m.consume(ctx, sub)
		if ctx.Err() != nil {
			src.Detach(context.WithoutCancel(ctx), mirrorID)
			return ctx.Err()
		}
		m.logger.Warn("mirror subscription closed, re-attaching")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.retry):
		}
	}
}

func (m *Mirror) consume(ctx context.Context, sub *authority.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			m.mirror(ctx, msg)
		}
	}
}

func (m *Mirror) mirror(ctx context.Context, msg domain.Message) {
	if err := m.copy.Handle(msg); err != nil {
		m.logger.WithError(err).WithField("type", msg.Type).Error("mirror copy rejected message")
		return
	}
	data, err := domain.EncodeMessage(msg)
	if err != nil {
		m.logger.WithError(err).Error("encode message")
		return
	}
	if err := m.rc.Publish(ctx, m.cfg.Channel, data).Err(); err != nil {
		m.logger.WithError(err).WithField("channel", m.cfg.Channel).Error("failed to publish board update")
	}
	snapshot, err := m.copy.State().Encode()
	if err != nil {
		m.logger.WithError(err).Error("encode snapshot")
		return
	}
	if err := m.rc.Set(ctx, m.cfg.SnapshotKey, snapshot, m.cfg.TTL).Err(); err != nil {
		m.logger.WithError(err).WithField("key", m.cfg.SnapshotKey).Error("failed to store board snapshot")
	}
}

// LoadSnapshot reads the mirrored board. ok is false when nothing has been mirrored yet.
func LoadSnapshot(ctx context.Context, rc *redis.Client, key string) (state domain.BoardState, ok bool, err error) {
	data, err := rc.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.BoardState{}, false, nil
	}
	if err != nil {
		return domain.BoardState{}, false, err
	}
	msg := domain.Message{Type: domain.MsgSnapshot, Data: data}
	state, err = msg.Snapshot()
	if err != nil {
		return domain.BoardState{}, false, err
	}
	return state, true, nil
}
