// Package replica keeps a client-side copy of the board. Local actions are applied
// immediately and sent upstream with no rollback; inbound broadcasts are applied
// with the same rules the authority uses, and a snapshot replaces the copy outright.
package replica

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

// ErrNotConnected is returned when an action is applied locally but there is no
// transport to send it on. The local copy still holds the change until the next snapshot.
var ErrNotConnected = errors.New("replica not connected")

// Sender carries a message to the authority.
type Sender interface {
	Send(msg domain.Message) error
}

// Replica is safe for concurrent use. Inbound messages must be handed to Handle
// from a single goroutine in receipt order.
type Replica struct {
	mu       sync.Mutex
	state    domain.BoardState
	synced   bool
	sender   Sender
	logger   log.FieldLogger
	now      func() time.Time
	newID    func() string
	onChange func(domain.BoardState)
}

// Option configures a Replica.
type Option func(*Replica)

// WithSender sets the upstream transport. Client sets itself as the sender.
func WithSender(s Sender) Option {
	return func(r *Replica) { r.sender = s }
}

func WithLogger(l log.FieldLogger) Option {
	return func(r *Replica) { r.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Replica) { r.now = now }
}

// WithIDGenerator overrides the uuid generator used for new items without an id.
func WithIDGenerator(f func() string) Option {
	return func(r *Replica) { r.newID = f }
}

// OnChange registers a hook called with a copy of the board after every change,
// local or inbound.
func OnChange(f func(domain.BoardState)) Option {
	return func(r *Replica) { r.onChange = f }
}

// New creates an empty replica. Until the first snapshot arrives it knows no lanes,
// so every local action fails its preconditions.
func New(opts ...Option) *Replica {
	r := &Replica{
		state:  domain.NewBoardState(nil),
		logger: log.StandardLogger(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns a deep copy of the local board.
func (r *Replica) State() domain.BoardState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// Synced reports whether a snapshot has been adopted since the last disconnect.
func (r *Replica) Synced() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.synced
}

// Add inserts item into lane at index (head when nil). A missing id is generated
// and a missing source defaults to manual. It returns the item id.
func (r *Replica) Add(item domain.Item, lane string, index *int) (string, bool, error) {
	if item.ID == "" {
		item.ID = r.newID()
	}
	if item.Source == "" {
		item.Source = domain.SourceManual
	}
	ok, err := r.local(domain.AddOp{Item: item, Lane: lane, Index: index})
	return item.ID, ok, err
}

func (r *Replica) Delete(id string) (bool, error) {
	return r.local(domain.DeleteOp{ID: id})
}

func (r *Replica) Patch(id string, fields domain.ItemPatch) (bool, error) {
	return r.local(domain.PatchOp{ID: id, Fields: fields})
}

func (r *Replica) Move(id, from, to string, index *int) (bool, error) {
	return r.local(domain.MoveOp{ID: id, From: from, To: to, Index: index})
}

// local applies op optimistically and then sends it upstream in the same step.
func (r *Replica) local(op domain.Op) (bool, error) {
	op = op.WithTime(r.now().UnixMilli())

	r.mu.Lock()
	if !r.state.Apply(op) {
		r.mu.Unlock()
		r.logger.WithFields(log.Fields{"op": op.Type(), "id": op.ItemID()}).Debug("local operation rejected")
		return false, nil
	}
	r.state.LastUpdated = op.Time()
	snapshot := r.state.Clone()
	sender := r.sender
	r.mu.Unlock()

	r.changed(snapshot)

	if sender == nil {
		return true, ErrNotConnected
	}
	msg, err := domain.RequestMessage(op)
	if err != nil {
		return true, err
	}
	if err := sender.Send(msg); err != nil {
		return true, fmt.Errorf("send %s: %w", op.Type(), err)
	}
	return true, nil
}

// Handle applies one inbound message from the authority.
func (r *Replica) Handle(msg domain.Message) error {
	switch {
	case msg.Type == domain.MsgSnapshot:
		s, err := msg.Snapshot()
		if err != nil {
			return err
		}
		s.Sanitize()
		r.mu.Lock()
		r.state = s
		r.synced = true
		snapshot := r.state.Clone()
		r.mu.Unlock()
		r.changed(snapshot)
		return nil
	case domain.IsBroadcast(msg.Type):
		op, err := msg.Op()
		if err != nil {
			return err
		}
		r.mu.Lock()
		if !r.state.Apply(op) {
			r.mu.Unlock()
			r.logger.WithFields(log.Fields{"op": msg.Type, "id": op.ItemID()}).Debug("broadcast dropped")
			return nil
		}
		r.state.LastUpdated = op.Time()
		snapshot := r.state.Clone()
		r.mu.Unlock()
		r.changed(snapshot)
		return nil
	default:
		return fmt.Errorf("%w: %q from authority", domain.ErrUnknownMessage, msg.Type)
	}
}

func (r *Replica) setSender(s Sender) {
	r.mu.Lock()
	r.sender = s
	r.mu.Unlock()
}

func (r *Replica) desync() {
	r.mu.Lock()
	r.synced = false
	r.mu.Unlock()
}

func (r *Replica) changed(s domain.BoardState) {
	if r.onChange != nil {
		r.onChange(s)
	}
}
