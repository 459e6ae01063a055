// Package authority owns the canonical board. All operations from every
// connection funnel through one run loop and are applied strictly one at a time,
// in arrival order; the result is relayed best-effort to every other subscriber.
package authority

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"board-sync/domain"
)

// ErrStopped is returned by every entry point once Run has exited.
var ErrStopped = errors.New("authority stopped")

const (
	defaultQueueSize        = 1024
	defaultSubscriberBuffer = 256
)

// Observer receives counters from the run loop. Implementations must not block.
type Observer interface {
	OperationApplied(opType string)
	OperationDropped(opType string)
	SubscriberEvicted()
	SubscribersChanged(n int)
}

type requestKind int

const (
	kindPull requestKind = iota
	kindApply
	kindAttach
	kindDetach
	kindResync
)

type request struct {
	ctx    context.Context
	kind   requestKind
	origin string
	op     domain.Op
	reply  chan reply
}

type reply struct {
	snapshot domain.BoardState
	applied  bool
	sub      *Subscription
}

// Authority is the single logical owner of the canonical BoardState.
type Authority struct {
	state     domain.BoardState
	inbox     chan request
	done      chan struct{}
	hub       *hub
	logger    log.FieldLogger
	tracer    trace.Tracer
	observer  Observer
	monotonic bool
	now       func() time.Time

	queueSize        int
	subscriberBuffer int
}

// Option configures an Authority.
type Option func(*Authority)

// WithLogger sets the logger used for dropped operations and evictions.
func WithLogger(l log.FieldLogger) Option {
	return func(a *Authority) { a.logger = l }
}

// WithTracer sets the tracer used for apply spans.
func WithTracer(t trace.Tracer) Option {
	return func(a *Authority) { a.tracer = t }
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) Option {
	return func(a *Authority) { a.observer = o }
}

// WithQueueSize sets the depth of the inbound queue.
func WithQueueSize(n int) Option {
	return func(a *Authority) { a.queueSize = n }
}

// WithSubscriberBuffer sets each subscriber's outbound buffer. A full buffer evicts the subscriber.
func WithSubscriberBuffer(n int) Option {
	return func(a *Authority) { a.subscriberBuffer = n }
}

// WithMonotonicStamp makes LastUpdated max(previous, timestamp) instead of the
// sender's timestamp verbatim. It never changes which write wins.
func WithMonotonicStamp(enabled bool) Option {
	return func(a *Authority) { a.monotonic = enabled }
}

// WithClock overrides the clock used to stamp operations that arrive without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// New creates an Authority whose board holds every lane in lanes, all empty.
// Call Run to start processing.
func New(lanes []string, opts ...Option) *Authority {
	a := &Authority{
		state:            domain.NewBoardState(lanes),
		done:             make(chan struct{}),
		logger:           log.StandardLogger(),
		tracer:           otel.Tracer("board-sync/authority"),
		now:              time.Now,
		queueSize:        defaultQueueSize,
		subscriberBuffer: defaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.queueSize <= 0 {
		a.queueSize = defaultQueueSize
	}
	if a.subscriberBuffer <= 0 {
		a.subscriberBuffer = defaultSubscriberBuffer
	}
	a.inbox = make(chan request, a.queueSize)
	a.hub = newHub(a.subscriberBuffer, a.logger)
	a.hub.onEvict = func() {
		if a.observer != nil {
			a.observer.SubscriberEvicted()
			a.observer.SubscribersChanged(a.hub.len())
		}
	}
	return a
}

// Run processes the inbound queue until ctx is cancelled. It must be called exactly once.
func (a *Authority) Run(ctx context.Context) {
	defer func() {
		a.hub.closeAll()
		close(a.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-a.inbox:
			req.reply <- a.handle(req)
		}
	}
}

// Done is closed once Run has exited.
func (a *Authority) Done() <-chan struct{} {
	return a.done
}

func (a *Authority) handle(req request) reply {
	switch req.kind {
	case kindPull:
		return reply{snapshot: a.state.Clone()}
	case kindApply:
		return reply{applied: a.apply(req)}
	case kindAttach:
		sub := a.hub.attach(req.origin)
		a.subscribersChanged()
		return reply{sub: sub}
	case kindDetach:
		if a.hub.detach(req.origin) {
			a.subscribersChanged()
		}
		return reply{}
	case kindResync:
		a.resync(req.origin)
		return reply{}
	}
	return reply{}
}

func (a *Authority) apply(req request) bool {
	op := req.op
	if op == nil {
		return false
	}
	_, span := a.tracer.Start(req.ctx, "authority."+op.Type(), trace.WithAttributes(
		attribute.String("board.op", op.Type()),
		attribute.String("board.item_id", op.ItemID()),
		attribute.String("board.origin", req.origin),
	))
	defer span.End()

	fields := log.Fields{"op": op.Type(), "id": op.ItemID(), "origin": req.origin}
	if !a.state.Apply(op) {
		span.SetAttributes(attribute.Bool("board.applied", false))
		a.logger.WithFields(fields).Debug("operation dropped")
		if a.observer != nil {
			a.observer.OperationDropped(op.Type())
		}
		return false
	}
	span.SetAttributes(attribute.Bool("board.applied", true))

	ts := op.Time()
	if ts == 0 {
		ts = a.now().UnixMilli()
	}
	if a.monotonic && ts < a.state.LastUpdated {
		ts = a.state.LastUpdated
	}
	a.state.LastUpdated = ts
	op = op.WithTime(ts)

	if a.observer != nil {
		a.observer.OperationApplied(op.Type())
	}
	msg, err := domain.BroadcastMessage(op)
	if err != nil {
		a.logger.WithFields(fields).WithError(err).Error("encode broadcast")
		return true
	}
	a.hub.broadcast(req.origin, msg)
	a.logger.WithFields(fields).Debug("operation applied")
	return true
}

// resync places a snapshot in the subscriber's own queue, so it is ordered exactly
// against the broadcasts that subscriber has already been sent.
func (a *Authority) resync(id string) {
	sub, ok := a.hub.subs[id]
	if !ok {
		return
	}
	msg, err := domain.SnapshotMessage(a.state)
	if err != nil {
		a.logger.WithField("subscriber", id).WithError(err).Error("encode snapshot")
		return
	}
	a.hub.send(sub, msg)
}

func (a *Authority) subscribersChanged() {
	if a.observer != nil {
		a.observer.SubscribersChanged(a.hub.len())
	}
}

func (a *Authority) do(ctx context.Context, req request) (reply, error) {
	req.ctx = ctx
	req.reply = make(chan reply, 1)
	select {
	case a.inbox <- req:
	case <-a.done:
		return reply{}, ErrStopped
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r, nil
	case <-a.done:
		return reply{}, ErrStopped
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// Pull returns a deep copy of the current board. It has no side effects.
func (a *Authority) Pull(ctx context.Context) (domain.BoardState, error) {
	r, err := a.do(ctx, request{kind: kindPull})
	return r.snapshot, err
}

// Apply enqueues op on behalf of origin and waits for it to be processed. The
// returned bool is false when a precondition failed; that is not an error.
// origin is excluded from the resulting broadcast.
func (a *Authority) Apply(ctx context.Context, origin string, op domain.Op) (bool, error) {
	r, err := a.do(ctx, request{kind: kindApply, origin: origin, op: op})
	return r.applied, err
}

// Add inserts item into lane at index (head when nil).
func (a *Authority) Add(ctx context.Context, origin string, item domain.Item, lane string, index *int, ts int64) (bool, error) {
	return a.Apply(ctx, origin, domain.AddOp{Item: item, Lane: lane, Index: index, Timestamp: ts})
}

// Delete removes id from the items and from every lane.
func (a *Authority) Delete(ctx context.Context, origin, id string, ts int64) (bool, error) {
	return a.Apply(ctx, origin, domain.DeleteOp{ID: id, Timestamp: ts})
}

// Patch shallow-merges fields into item id.
func (a *Authority) Patch(ctx context.Context, origin, id string, fields domain.ItemPatch, ts int64) (bool, error) {
	return a.Apply(ctx, origin, domain.PatchOp{ID: id, Fields: fields, Timestamp: ts})
}

// Move relocates id from lane from to lane to at index (head when nil).
func (a *Authority) Move(ctx context.Context, origin, id, from, to string, index *int, ts int64) (bool, error) {
	return a.Apply(ctx, origin, domain.MoveOp{ID: id, From: from, To: to, Index: index, Timestamp: ts})
}

// Attach registers a subscriber under id, replacing any previous one with the same id.
func (a *Authority) Attach(ctx context.Context, id string) (*Subscription, error) {
	r, err := a.do(ctx, request{kind: kindAttach, origin: id})
	return r.sub, err
}

// Detach removes the subscriber and closes its channel. Unknown ids are ignored.
func (a *Authority) Detach(ctx context.Context, id string) error {
	_, err := a.do(ctx, request{kind: kindDetach, origin: id})
	return err
}

// Resync answers a pull from an attached subscriber through its own queue.
func (a *Authority) Resync(ctx context.Context, id string) error {
	_, err := a.do(ctx, request{kind: kindResync, origin: id})
	return err
}
