package db

import "github.com/google/uuid"

// Event names an instance notification. The set is fixed.
type Event string

const (
	// EventDidChange fires after a refresh (explicit or implicit)
	// actually advances the read view.
	EventDidChange Event = "DidChangeNotification"

	// EventRefreshRequired fires when the instance learns that another
	// thread or process committed a change it has not observed yet.
	EventRefreshRequired Event = "RefreshRequiredNotification"
)

// NotificationFunc receives instance events. It runs synchronously on
// the instance's owning goroutine; errors or panics propagate to the
// caller of the operation that fired the event.
type NotificationFunc func(Event)

// Token identifies one subscription. Removal is by token, so
// registering the same function twice yields two independent
// subscriptions and closures never need identity semantics.
type Token string

// hub is the per-instance subscriber set. It is only touched from the
// owning goroutine, so it needs no locking.
type hub struct {
	subscribers map[Token]NotificationFunc
	external    func()
}

func newHub() *hub {
	return &hub{subscribers: make(map[Token]NotificationFunc)}
}

func (h *hub) add(fn NotificationFunc) Token {
	// UUIDv7 tokens sort by registration time, which is convenient when
	// debugging subscriber lists.
	token := Token(uuid.Must(uuid.NewV7()).String())
	h.subscribers[token] = fn
	return token
}

// remove deregisters a subscription. Removing an unknown or
// already-removed token is a no-op.
func (h *hub) remove(token Token) {
	delete(h.subscribers, token)
}

// notifyLocal invokes every subscriber with the event, in unspecified
// order, on the calling goroutine.
func (h *hub) notifyLocal(event Event) {
	for _, fn := range h.subscribers {
		fn(event)
	}
}

// notifyExternal invokes the external-notifier hook, if set. The hook
// is advisory: it wakes an event loop elsewhere so sibling instances
// can call Notify on their own goroutines. It is never a substitute
// for those instances refreshing.
func (h *hub) notifyExternal() {
	if h.external != nil {
		h.external()
	}
}
