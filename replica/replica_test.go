package replica

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"board-sync/authority"
	"board-sync/domain"
)

var lanes = []string{"Unassigned", "New York", "Boston"}

type recordingSender struct {
	mu   sync.Mutex
	sent []domain.Message
	err  error
}

func (s *recordingSender) Send(msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func snapshotOf(t *testing.T, s domain.BoardState) domain.Message {
	t.Helper()
	msg, err := domain.SnapshotMessage(s)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return msg
}

func syncedReplica(t *testing.T, opts ...Option) (*Replica, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	r := New(append([]Option{WithSender(sender)}, opts...)...)
	if err := r.Handle(snapshotOf(t, domain.NewBoardState(lanes))); err != nil {
		t.Fatalf("handle snapshot: %v", err)
	}
	return r, sender
}

func TestUnsyncedReplicaRejectsActions(t *testing.T) {
	sender := &recordingSender{}
	r := New(WithSender(sender))
	if _, ok, _ := r.Add(domain.Item{ID: "x1"}, "Unassigned", nil); ok {
		t.Fatalf("expected add to fail before first snapshot")
	}
	if r.Synced() {
		t.Fatalf("replica should not be synced")
	}
	if len(sender.sent) != 0 {
		t.Fatalf("rejected action must not be sent")
	}
}

func TestLocalActionsApplyThenSend(t *testing.T) {
	r, sender := syncedReplica(t, WithClock(func() time.Time { return time.UnixMilli(1000) }), WithIDGenerator(func() string { return "gen-1" }))

	id, ok, err := r.Add(domain.Item{Callsign: "JBU123"}, "Unassigned", nil)
	if err != nil || !ok || id != "gen-1" {
		t.Fatalf("add: %q %v %v", id, ok, err)
	}
	s := r.State()
	if s.Items["gen-1"].Source != domain.SourceManual || s.LastUpdated != 1000 {
		t.Fatalf("unexpected local state: %+v", s)
	}
	if len(sender.sent) != 1 || sender.sent[0].Type != domain.MsgAdd {
		t.Fatalf("expected one add request, got %+v", sender.sent)
	}
	op, err := sender.sent[0].Op()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if op.ItemID() != "gen-1" || op.Time() != 1000 {
		t.Fatalf("unexpected request: %+v", op)
	}

	if ok, _ := r.Move("gen-1", "Unassigned", "Chicago", nil); ok {
		t.Fatalf("move to unknown lane must be rejected")
	}
	if ok, _ := r.Patch("ghost", domain.ItemPatch{Mach: domain.StringPtr("80")}); ok {
		t.Fatalf("patch of unknown id must be rejected")
	}
	if len(sender.sent) != 1 {
		t.Fatalf("rejected actions must not be sent, got %d messages", len(sender.sent))
	}
}

func TestOptimisticStateSurvivesSendFailure(t *testing.T) {
	r, sender := syncedReplica(t)
	sender.err = errors.New("broken pipe")

	_, ok, err := r.Add(domain.Item{ID: "x1"}, "Boston", nil)
	if !ok || err == nil {
		t.Fatalf("expected applied with send error, got %v %v", ok, err)
	}
	if !r.State().ItemExists("x1") {
		t.Fatalf("optimistic add should remain until next snapshot")
	}

	if err := r.Handle(snapshotOf(t, domain.NewBoardState(lanes))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if r.State().ItemExists("x1") {
		t.Fatalf("snapshot should overwrite optimistic state")
	}
}

func TestNoSenderReportsNotConnected(t *testing.T) {
	r := New()
	r.Handle(snapshotOf(t, domain.NewBoardState(lanes)))
	if _, ok, err := r.Add(domain.Item{ID: "x1"}, "Boston", nil); !ok || !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected applied with ErrNotConnected, got %v %v", ok, err)
	}
}

func TestSnapshotIsSanitized(t *testing.T) {
	r, _ := syncedReplica(t)
	corrupt := domain.BoardState{
		Lanes: map[string][]string{"Unassigned": {"ghost", "x1"}, "Boston": {}},
		Items: map[string]domain.Item{"x1": {ID: "x1"}},
	}
	if err := r.Handle(snapshotOf(t, corrupt)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	s := r.State()
	if err := s.Validate(); err != nil {
		t.Fatalf("adopted invalid state: %v", err)
	}
	if len(s.Lanes["Unassigned"]) != 1 {
		t.Fatalf("expected ghost to be dropped, got %v", s.Lanes["Unassigned"])
	}
}

func TestOutOfOrderBroadcastIsDropped(t *testing.T) {
	r, _ := syncedReplica(t)
	patch, _ := domain.BroadcastMessage(domain.PatchOp{ID: "x1", Fields: domain.ItemPatch{Altitude: domain.StringPtr("FL350")}, Timestamp: 2})
	add, _ := domain.BroadcastMessage(domain.AddOp{Item: domain.Item{ID: "x1", Altitude: "FL300"}, Lane: "Boston", Timestamp: 1})

	if err := r.Handle(patch); err != nil {
		t.Fatalf("handle patch: %v", err)
	}
	if err := r.Handle(add); err != nil {
		t.Fatalf("handle add: %v", err)
	}
	if got := r.State().Items["x1"].Altitude; got != "FL300" {
		t.Fatalf("early patch should have been dropped, got %q", got)
	}
}

func TestHandleRejectsRequests(t *testing.T) {
	r, _ := syncedReplica(t)
	req, _ := domain.RequestMessage(domain.DeleteOp{ID: "x1"})
	if err := r.Handle(req); !errors.Is(err, domain.ErrUnknownMessage) {
		t.Fatalf("expected unknown message error, got %v", err)
	}
}

func TestOnChange(t *testing.T) {
	var seen []int
	r, _ := syncedReplica(t, OnChange(func(s domain.BoardState) { seen = append(seen, len(s.Items)) }))
	r.Add(domain.Item{ID: "x1"}, "Boston", nil)
	r.Delete("x1")
	r.Delete("x1")
	if fmt.Sprint(seen) != "[0 1 0]" {
		t.Fatalf("unexpected change notifications: %v", seen)
	}
}

// loopback connects a replica straight to an in-process authority.
type loopback struct {
	id string
	a  *authority.Authority
}

func (l loopback) Send(msg domain.Message) error {
	ctx := context.Background()
	if msg.Type == domain.MsgPull {
		return l.a.Resync(ctx, l.id)
	}
	op, err := msg.Op()
	if err != nil {
		return err
	}
	_, err = l.a.Apply(ctx, l.id, op)
	return err
}

func connect(t *testing.T, a *authority.Authority, id string) *Replica {
	t.Helper()
	sub, err := a.Attach(context.Background(), id)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	r := New(WithSender(loopback{id: id, a: a}))
	go func() {
		for msg := range sub.C {
			r.Handle(msg)
		}
	}()
	if err := r.sender.Send(domain.PullMessage()); err != nil {
		t.Fatalf("pull: %v", err)
	}
	waitFor(t, r.Synced)
	return r
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func encoded(t *testing.T, s domain.BoardState) []byte {
	t.Helper()
	b, err := s.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func TestBroadcastOnlyReplicaConverges(t *testing.T) {
	a := authority.New(lanes, authority.WithSubscriberBuffer(4096))
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-a.Done()
	})

	r1 := connect(t, a, "r1")
	r2 := connect(t, a, "r2")
	viewer := connect(t, a, "viewer")

	rng := rand.New(rand.NewSource(7))
	ids := []string{"a", "b", "c", "d"}
	for step := 0; step < 300; step++ {
		r := r1
		if rng.Intn(2) == 1 {
			r = r2
		}
		id := ids[rng.Intn(len(ids))]
		lane := lanes[rng.Intn(len(lanes))]
		switch rng.Intn(4) {
		case 0:
			r.Add(domain.Item{ID: id}, lane, nil)
		case 1:
			r.Delete(id)
		case 2:
			r.Patch(id, domain.ItemPatch{Squawk: domain.StringPtr(fmt.Sprint(step))})
		default:
			from, _ := r.State().LocateItem(id)
			r.Move(id, from, lane, domain.IntPtr(rng.Intn(3)))
		}
	}

	canonical, err := a.Pull(context.Background())
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	want := encoded(t, canonical)
	waitFor(t, func() bool { return bytes.Equal(encoded(t, viewer.State()), want) })

	// Originators may have diverged through rejected optimistic writes; a pull repairs them.
	for _, r := range []*Replica{r1, r2} {
		r.sender.Send(domain.PullMessage())
		waitFor(t, func() bool { return bytes.Equal(encoded(t, r.State()), want) })
	}
}
