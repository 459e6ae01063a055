package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
	"board-sync/replica"
)

// Follow keeps r in step with a Mirror from another process: it subscribes to
// channel, seeds r from the stored snapshot, and then applies every relayed
// message in order. r only ever applies broadcasts, so it is a read-only viewer.
// On a dropped subscription it waits a second and starts over.
func Follow(ctx context.Context, rc *redis.Client, cfg MirrorConfig, r *replica.Replica, logger log.FieldLogger) {
	for {
		sub := rc.Subscribe(ctx, cfg.Channel)
		if _, err := sub.Receive(ctx); err != nil {
			logger.WithError(err).Error("subscribe to board updates")
		} else {
			seed(ctx, rc, cfg.SnapshotKey, r, logger)
			follow(ctx, sub.Channel(), r, logger)
		}
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("board update subscription closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func seed(ctx context.Context, rc *redis.Client, key string, r *replica.Replica, logger log.FieldLogger) {
	state, ok, err := LoadSnapshot(ctx, rc, key)
	if err != nil {
		logger.WithError(err).Error("load board snapshot")
		return
	}
	if !ok {
		return
	}
	msg, err := domain.SnapshotMessage(state)
	if err != nil {
		logger.WithError(err).Error("encode snapshot")
		return
	}
	r.Handle(msg)
}

func follow(ctx context.Context, ch <-chan *redis.Message, r *replica.Replica, logger log.FieldLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			msg, err := domain.DecodeMessage([]byte(payload.Payload))
			if err != nil {
				logger.WithError(err).Error("unable to parse board update")
				continue
			}
			if err := r.Handle(msg); err != nil {
				logger.WithError(err).WithField("type", msg.Type).Error("apply board update")
			}
		}
	}
}
