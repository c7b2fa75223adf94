package store

import "sync"

// ChangeKind says which part of a character a Change touched.
type ChangeKind string

const (
	ChangeLogs      ChangeKind = "logs"
	ChangeCharacter ChangeKind = "character"
)

// Change is a notice that a committed write touched a character. It carries
// no data: subscribers re-read through the store, so what they see is never
// older than the write that produced the notice.
type Change struct {
	CharacterID int64
	Kind        ChangeKind
	LogID       int64 // set for log changes
	// Resync is set when earlier notices were dropped because the subscriber
	// fell behind. The subscriber should reload everything it displays.
	Resync bool
}

const subscriptionBuffer = 64

// Subscription receives Change notices for one character.
type Subscription struct {
	C <-chan Change

	ch          chan Change
	hub         *hub
	id          uint64
	characterID int64
	lagged      bool // guarded by hub.mu
}

// Close unsubscribes and closes C. It is safe to call more than once and
// concurrently with Store.Close.
func (sub *Subscription) Close() {
	sub.hub.remove(sub)
}

type hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[int64]map[uint64]*Subscription
}

func newHub() *hub {
	return &hub{subs: make(map[int64]map[uint64]*Subscription)}
}

// Watch subscribes to changes of one character's record and logs.
func (s *Store) Watch(characterID int64) *Subscription {
	return s.hub.add(characterID)
}

func (h *hub) add(characterID int64) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	ch := make(chan Change, subscriptionBuffer)
	sub := &Subscription{C: ch, ch: ch, hub: h, id: h.nextID, characterID: characterID}
	if h.subs[characterID] == nil {
		h.subs[characterID] = make(map[uint64]*Subscription)
	}
	h.subs[characterID][sub.id] = sub
	return sub
}

// remove closes sub's channel once: membership in subs, guarded by mu, is
// what marks a subscription open.
func (h *hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[sub.characterID]
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(h.subs, sub.characterID)
	}
	close(sub.ch)
}

// publish never blocks. A full subscriber loses the notice and gets Resync
// set on the next one that fits.
func (h *hub) publish(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs[c.CharacterID] {
		notice := c
		notice.Resync = sub.lagged
		select {
		case sub.ch <- notice:
			sub.lagged = false
		default:
			sub.lagged = true
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for characterID, subs := range h.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(h.subs, characterID)
	}
}
