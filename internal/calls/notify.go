package calls

import "time"

// Kind names a call lifecycle notification.
type Kind string

const (
	KindCreated       Kind = "created"
	KindStatusChanged Kind = "status_changed"
	KindEnded         Kind = "ended"
)

// Notification is a plain value describing one applied change.
type Notification struct {
	Kind   Kind
	Call   Call
	From   Status
	To     Status
	Reason string
	At     time.Time
}

// Observer receives notifications in the order they were applied for a given call.
type Observer func(Notification)

// Subscribe registers o and returns a func that removes it.
func (r *Registry) Subscribe(o Observer) (unsubscribe func()) {
	r.obsMu.Lock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = o
	r.obsMu.Unlock()

	return func() {
		r.obsMu.Lock()
		delete(r.observers, id)
		r.obsMu.Unlock()
	}
}

func (r *Registry) notify(n Notification) {
	r.obsMu.RLock()
	obs := make([]Observer, 0, len(r.observers))
	for _, o := range r.observers {
		obs = append(obs, o)
	}
	r.obsMu.RUnlock()

	for _, o := range obs {
		o(n)
	}
}
