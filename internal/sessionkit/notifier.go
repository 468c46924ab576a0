package sessionkit

import "sync"

// ChangeNotifier fans storage-change notifications out to subscribers. It is
// the gateway's equivalent of the browser storage event: every Store write or
// clear publishes the affected key, and each Controller reloads its view of
// the session when the session key changes.
type ChangeNotifier struct {
	mutex       sync.Mutex
	nextID      int
	subscribers map[int]func(key string)
}

// NewChangeNotifier constructs a notifier with no subscribers.
func NewChangeNotifier() *ChangeNotifier {
	return &ChangeNotifier{subscribers: make(map[int]func(key string))}
}

// Subscribe registers a callback and returns a cancel function that removes
// it. Cancel is idempotent.
func (notifier *ChangeNotifier) Subscribe(callback func(key string)) func() {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	id := notifier.nextID
	notifier.nextID++
	notifier.subscribers[id] = callback
	return func() {
		notifier.mutex.Lock()
		defer notifier.mutex.Unlock()
		delete(notifier.subscribers, id)
	}
}

// Publish invokes every subscriber with the changed key. Callbacks run
// outside the notifier lock so a subscriber may publish or unsubscribe.
func (notifier *ChangeNotifier) Publish(key string) {
	notifier.mutex.Lock()
	callbacks := make([]func(key string), 0, len(notifier.subscribers))
	for _, callback := range notifier.subscribers {
		callbacks = append(callbacks, callback)
	}
	notifier.mutex.Unlock()
	for _, callback := range callbacks {
		callback(key)
	}
}
