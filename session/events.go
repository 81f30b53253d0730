package session

import (
	"sync"

	"github.com/google/uuid"
)

// notifier fans session notifications out to subscribers. Callbacks run
// outside the notifier lock, so a handler may subscribe, unsubscribe, or call
// back into the session.
type notifier struct {
	mu          sync.Mutex
	message     map[string]func([]byte)
	connection  map[string]func(bool)
	transferErr map[string]func([]byte)
}

func newNotifier() notifier {
	return notifier{
		message:     make(map[string]func([]byte)),
		connection:  make(map[string]func(bool)),
		transferErr: make(map[string]func([]byte)),
	}
}

func (n *notifier) subscribeMessage(fn func([]byte)) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := uuid.NewString()
	n.message[id] = fn
	return id
}

func (n *notifier) subscribeConnection(fn func(bool)) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := uuid.NewString()
	n.connection[id] = fn
	return id
}

func (n *notifier) subscribeError(fn func([]byte)) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := uuid.NewString()
	n.transferErr[id] = fn
	return id
}

func (n *notifier) unsubscribe(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.message, id)
	delete(n.connection, id)
	delete(n.transferErr, id)
}

func (n *notifier) emitMessage(object []byte) {
	for _, fn := range n.messageSnapshot() {
		fn(object)
	}
}

func (n *notifier) emitConnection(connected bool) {
	n.mu.Lock()
	subscribers := make([]func(bool), 0, len(n.connection))
	for _, fn := range n.connection {
		subscribers = append(subscribers, fn)
	}
	n.mu.Unlock()

	for _, fn := range subscribers {
		fn(connected)
	}
}

func (n *notifier) emitError(object []byte) {
	n.mu.Lock()
	subscribers := make([]func([]byte), 0, len(n.transferErr))
	for _, fn := range n.transferErr {
		subscribers = append(subscribers, fn)
	}
	n.mu.Unlock()

	for _, fn := range subscribers {
		fn(object)
	}
}

func (n *notifier) messageSnapshot() []func([]byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subscribers := make([]func([]byte), 0, len(n.message))
	for _, fn := range n.message {
		subscribers = append(subscribers, fn)
	}
	return subscribers
}
