package authority

import (
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

// Subscription is one attached replica's outbound queue. C is closed when the
// subscriber is detached, evicted for falling behind, or the authority stops.
type Subscription struct {
	ID string
	C  <-chan domain.Message

	ch chan domain.Message
}

// hub is the dynamic subscriber set. It is only touched from the authority's run loop.
type hub struct {
	buffer  int
	subs    map[string]*Subscription
	logger  log.FieldLogger
	onEvict func()
}

func newHub(buffer int, logger log.FieldLogger) *hub {
	return &hub{buffer: buffer, subs: make(map[string]*Subscription), logger: logger}
}

func (h *hub) attach(id string) *Subscription {
	if old, ok := h.subs[id]; ok {
		h.remove(old)
	}
	ch := make(chan domain.Message, h.buffer)
	sub := &Subscription{ID: id, C: ch, ch: ch}
	h.subs[id] = sub
	return sub
}

func (h *hub) detach(id string) bool {
	sub, ok := h.subs[id]
	if !ok {
		return false
	}
	h.remove(sub)
	return true
}

func (h *hub) remove(sub *Subscription) {
	delete(h.subs, sub.ID)
	close(sub.ch)
}

// send is fire-and-forget. A subscriber whose buffer is full is evicted rather
// than silently skipped, so its transport drops and the replica resyncs.
func (h *hub) send(sub *Subscription, msg domain.Message) {
	select {
	case sub.ch <- msg:
	default:
		h.logger.WithField("subscriber", sub.ID).Warn("subscriber buffer full; evicting")
		h.remove(sub)
		if h.onEvict != nil {
			h.onEvict()
		}
	}
}

// broadcast relays msg to every subscriber except origin.
func (h *hub) broadcast(origin string, msg domain.Message) {
	for id, sub := range h.subs {
		if id == origin {
			continue
		}
		h.send(sub, msg)
	}
}

func (h *hub) closeAll() {
	for _, sub := range h.subs {
		h.remove(sub)
	}
}

func (h *hub) len() int {
	return len(h.subs)
}
