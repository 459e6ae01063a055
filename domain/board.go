package domain

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// BoardState is the shared board: fixed lanes holding ordered item ids, and the items themselves.
type BoardState struct {
	Lanes       map[string][]string `json:"lanes"`
	Items       map[string]Item     `json:"items"`
	LastUpdated int64               `json:"lastUpdated"`
}

// NewBoardState returns an initialized board with every lane present and empty.
func NewBoardState(lanes []string) BoardState {
	s := BoardState{
		Lanes: make(map[string][]string, len(lanes)),
		Items: make(map[string]Item),
	}
	for _, name := range lanes {
		if name == "" {
			continue
		}
		s.Lanes[name] = []string{}
	}
	return s
}

// IsLaneKnown reports whether name is one of the configured lanes.
func (s BoardState) IsLaneKnown(name string) bool {
	_, ok := s.Lanes[name]
	return ok
}

// ItemExists reports whether id is a live item.
func (s BoardState) ItemExists(id string) bool {
	_, ok := s.Items[id]
	return ok
}

// LocateItem returns the lane currently holding id.
func (s BoardState) LocateItem(id string) (string, bool) {
	for lane, ids := range s.Lanes {
		for _, v := range ids {
			if v == id {
				return lane, true
			}
		}
	}
	return "", false
}

// Clone returns a deep copy that shares no slices or maps with s.
func (s BoardState) Clone() BoardState {
	out := BoardState{
		Lanes:       make(map[string][]string, len(s.Lanes)),
		Items:       make(map[string]Item, len(s.Items)),
		LastUpdated: s.LastUpdated,
	}
	for lane, ids := range s.Lanes {
		out.Lanes[lane] = append(make([]string, 0, len(ids)), ids...)
	}
	for id, it := range s.Items {
		out.Items[id] = it.clone()
	}
	return out
}

// Sanitize drops every lane entry whose id is missing from Items, and repairs nil maps.
// It is applied to snapshots before a replica adopts them.
func (s *BoardState) Sanitize() {
	if s.Lanes == nil {
		s.Lanes = make(map[string][]string)
	}
	if s.Items == nil {
		s.Items = make(map[string]Item)
	}
	for lane, ids := range s.Lanes {
		kept := make([]string, 0, len(ids))
		for _, id := range ids {
			if _, ok := s.Items[id]; ok {
				kept = append(kept, id)
			}
		}
		s.Lanes[lane] = kept
	}
}

// Validate checks referential integrity: every lane id is a live item and appears in one lane only.
func (s BoardState) Validate() error {
	seen := make(map[string]string)
	for lane, ids := range s.Lanes {
		for _, id := range ids {
			if _, ok := s.Items[id]; !ok {
				return fmt.Errorf("lane %q references missing item %q", lane, id)
			}
			if prev, dup := seen[id]; dup {
				return fmt.Errorf("item %q appears in lanes %q and %q", id, prev, lane)
			}
			seen[id] = lane
		}
	}
	return nil
}

// Encode returns the canonical JSON form of the board. Map keys are sorted, so equal
// boards always encode to identical bytes.
func (s BoardState) Encode() ([]byte, error) {
	return sonic.ConfigStd.Marshal(s)
}

func (s *BoardState) removeEverywhere(id string) {
	for lane, ids := range s.Lanes {
		for i, v := range ids {
			if v != id {
				continue
			}
			kept := make([]string, 0, len(ids)-1)
			kept = append(kept, ids[:i]...)
			kept = append(kept, ids[i+1:]...)
			s.Lanes[lane] = kept
			break
		}
	}
}

func (s *BoardState) insert(lane, id string, index *int) {
	ids := s.Lanes[lane]
	pos := 0
	if index != nil {
		pos = *index
	}
	if pos < 0 {
		pos = 0
	}
	if pos > len(ids) {
		pos = len(ids)
	}
	out := make([]string, 0, len(ids)+1)
	out = append(out, ids[:pos]...)
	out = append(out, id)
	out = append(out, ids[pos:]...)
	s.Lanes[lane] = out
}
