package domain

// Op is a board mutation. The same value travels upstream as a request and
// downstream as the applied broadcast; both sides apply it with Apply.
type Op interface {
	// Type is the request message type ("add", "delete", "patch", "move").
	Type() string
	// BroadcastType is the message type used when relaying the applied op.
	BroadcastType() string
	// ItemID is the id the op refers to.
	ItemID() string
	// Time is the sender-supplied millisecond timestamp.
	Time() int64
	// WithTime returns a copy of the op carrying ts.
	WithTime(ts int64) Op

	apply(s *BoardState) bool
}

// AddOp inserts a new item into a lane. A nil Index means the head of the lane.
type AddOp struct {
	Item      Item   `json:"item"`
	Lane      string `json:"lane"`
	Index     *int   `json:"index,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// DeleteOp removes an item from the board entirely.
type DeleteOp struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// PatchOp shallow-merges Fields into an existing item.
type PatchOp struct {
	ID        string    `json:"id"`
	Fields    ItemPatch `json:"fields"`
	Timestamp int64     `json:"timestamp"`
}

// MoveOp relocates an item to lane To at Index (head when nil). From == To reorders in place.
type MoveOp struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Index     *int   `json:"index,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (AddOp) Type() string    { return MsgAdd }
func (DeleteOp) Type() string { return MsgDelete }
func (PatchOp) Type() string  { return MsgPatch }
func (MoveOp) Type() string   { return MsgMove }

func (AddOp) BroadcastType() string    { return MsgItemAdded }
func (DeleteOp) BroadcastType() string { return MsgItemDeleted }
func (PatchOp) BroadcastType() string  { return MsgItemPatched }
func (MoveOp) BroadcastType() string   { return MsgItemMoved }

func (o AddOp) ItemID() string    { return o.Item.ID }
func (o DeleteOp) ItemID() string { return o.ID }
func (o PatchOp) ItemID() string  { return o.ID }
func (o MoveOp) ItemID() string   { return o.ID }

func (o AddOp) Time() int64    { return o.Timestamp }
func (o DeleteOp) Time() int64 { return o.Timestamp }
func (o PatchOp) Time() int64  { return o.Timestamp }
func (o MoveOp) Time() int64   { return o.Timestamp }

func (o AddOp) WithTime(ts int64) Op    { o.Timestamp = ts; return o }
func (o DeleteOp) WithTime(ts int64) Op { o.Timestamp = ts; return o }
func (o PatchOp) WithTime(ts int64) Op  { o.Timestamp = ts; return o }
func (o MoveOp) WithTime(ts int64) Op   { o.Timestamp = ts; return o }

// Apply runs op against s and reports whether it changed anything. Precondition
// failures leave s untouched and return false. LastUpdated is not modified; the
// caller decides how to stamp.
func (s *BoardState) Apply(op Op) bool {
	if op == nil {
		return false
	}
	return op.apply(s)
}

func (o AddOp) apply(s *BoardState) bool {
	if o.Item.ID == "" || !s.IsLaneKnown(o.Lane) || s.ItemExists(o.Item.ID) {
		return false
	}
	it := o.Item.clone()
	if it.Source == "" {
		it.Source = SourceManual
	}
	s.Items[it.ID] = it
	s.insert(o.Lane, it.ID, o.Index)
	return true
}

func (o DeleteOp) apply(s *BoardState) bool {
	if !s.ItemExists(o.ID) {
		return false
	}
	delete(s.Items, o.ID)
	s.removeEverywhere(o.ID)
	return true
}

func (o PatchOp) apply(s *BoardState) bool {
	it, ok := s.Items[o.ID]
	if !ok || o.Fields.Empty() {
		return false
	}
	o.Fields.mergeInto(&it)
	s.Items[o.ID] = it
	return true
}

// The id is taken out of whichever lane holds it, not only From, so a stale From
// can never leave the id in two lanes.
func (o MoveOp) apply(s *BoardState) bool {
	if !s.IsLaneKnown(o.From) || !s.IsLaneKnown(o.To) || !s.ItemExists(o.ID) {
		return false
	}
	s.removeEverywhere(o.ID)
	s.insert(o.To, o.ID, o.Index)
	return true
}

// IntPtr returns a pointer to i, for optional insertion indexes.
func IntPtr(i int) *int { return &i }
