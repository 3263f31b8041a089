package dispatch

// routingRegistry maps a RoutingKey to the backend currently claiming it.
// It is owned exclusively by the Dispatcher goroutine; no locking is
// required and none of its methods may be called from any other goroutine.
type routingRegistry struct {
	entries map[RoutingKey]Backend
}

func newRoutingRegistry() *routingRegistry {
	return &routingRegistry{entries: make(map[RoutingKey]Backend)}
}

// lookup returns the backend registered for key, if any.
func (r *routingRegistry) lookup(key RoutingKey) (Backend, bool) {
	b, ok := r.entries[key]
	return b, ok
}

// put registers backend for key, replacing and returning any previously
// registered backend (last-writer-wins; the caller is responsible for
// closing the displaced backend if that is the desired semantics; the
// Dispatcher's unregisterEvent path does, register replacement does not,
// per spec: envelopes already handed to the old backend are not reclaimed).
func (r *routingRegistry) put(key RoutingKey, b Backend) (previous Backend, hadPrevious bool) {
	previous, hadPrevious = r.entries[key]
	r.entries[key] = b
	return previous, hadPrevious
}

// remove deletes the entry for key if present, returning it.
func (r *routingRegistry) remove(key RoutingKey) (Backend, bool) {
	b, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	return b, ok
}

// removeIfCurrent deletes the entry for key only if it is currently
// exactly b. Used when a dead backend is evicted: the identity check keeps
// a replacement registered between delivery and eviction from being torn
// down by the older handle's death.
func (r *routingRegistry) removeIfCurrent(key RoutingKey, b Backend) bool {
	if cur, ok := r.entries[key]; ok && cur == b {
		delete(r.entries, key)
		return true
	}
	return false
}

// snapshotKeys returns the currently registered routing keys.
func (r *routingRegistry) snapshotKeys() []RoutingKey {
	keys := make([]RoutingKey, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}
