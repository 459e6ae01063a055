// Package intake feeds patches from the live-traffic/ETA collaborator into the
// authority. The collaborator enqueues {"id","fields","timestamp"} messages and
// has no other contact with the board.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

// Origin identifies intake operations to the authority.
const Origin = "intake"

// Message is one dequeued queue entry.
type Message struct {
	ID         string
	PopReceipt string
	Text       string
}

// Queue is the subset of a message queue the worker needs.
type Queue interface {
	Receive(ctx context.Context) ([]Message, error)
	Delete(ctx context.Context, msg Message) error
}

// Board applies operations on behalf of an origin.
type Board interface {
	Apply(ctx context.Context, origin string, op domain.Op) (bool, error)
}

// Worker drains Queue into Board.
type Worker struct {
	queue  Queue
	board  Board
	logger log.FieldLogger
	idle   time.Duration
}

func NewWorker(q Queue, b Board, logger log.FieldLogger) *Worker {
	return &Worker{queue: q, board: b, logger: logger.WithField("component", "intake"), idle: time.Second}
}

// Run polls until ctx is cancelled or the board stops.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msgs, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.WithError(err).Error("receive")
		}
		if err != nil || len(msgs) == 0 {
			if !w.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		for _, msg := range msgs {
			if err := w.handle(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// handle applies one message. A message that cannot be decoded, that touches
// anything but centerEstimate, or whose patch fails its preconditions, is still
// deleted: it will never succeed. A message is left on the queue only when the
// board itself is unavailable.
func (w *Worker) handle(ctx context.Context, msg Message) error {
	entry := w.logger.WithField("message", msg.ID)
	op, err := decodeEstimate(msg.Text)
	if err != nil {
		entry.WithError(err).Warn("dropping undecodable patch")
	} else {
		applied, err := w.board.Apply(ctx, Origin, op)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		entry.WithFields(log.Fields{"id": op.ItemID(), "applied": applied}).Debug("patch processed")
	}
	if err := w.queue.Delete(ctx, msg); err != nil {
		entry.WithError(err).Error("delete message")
	}
	return nil
}

// decodeEstimate accepts only patches that set centerEstimate and nothing else.
func decodeEstimate(text string) (domain.PatchOp, error) {
	op, err := domain.DecodeOp(domain.MsgPatch, []byte(text))
	if err != nil {
		return domain.PatchOp{}, err
	}
	patch, ok := op.(domain.PatchOp)
	if !ok {
		return domain.PatchOp{}, fmt.Errorf("%w: expected patch", domain.ErrMalformedPayload)
	}
	rest := patch.Fields
	rest.CenterEstimate = nil
	if patch.Fields.CenterEstimate == nil || !rest.Empty() {
		return domain.PatchOp{}, fmt.Errorf("%w: intake may only set centerEstimate", domain.ErrMalformedPayload)
	}
	return patch, nil
}

func (w *Worker) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.idle):
		return true
	}
}

// AzureQueue adapts an azqueue client to Queue.
type AzureQueue struct {
	client *azqueue.QueueClient
}

func NewAzureQueue(client *azqueue.QueueClient) *AzureQueue {
	return &AzureQueue{client: client}
}

func (q *AzureQueue) Receive(ctx context.Context) ([]Message, error) {
	resp, err := q.client.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m == nil || m.MessageID == nil || m.PopReceipt == nil {
			continue
		}
		msg := Message{ID: *m.MessageID, PopReceipt: *m.PopReceipt}
		if m.MessageText != nil {
			msg.Text = *m.MessageText
		}
		out = append(out, msg)
	}
	return out, nil
}

func (q *AzureQueue) Delete(ctx context.Context, msg Message) error {
	_, err := q.client.DeleteMessage(ctx, msg.ID, msg.PopReceipt, nil)
	return err
}
