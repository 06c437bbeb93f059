package mqlight

import (
	"sync"
)

type destinationKey struct {
	pattern string
	share   string
}

// subscription is a registered destination and the link serving it.
type subscription struct {
	dest   Destination
	link   Link
	active bool
	window *creditWindow
}

// subscriptionRegistry tracks the destinations the client is subscribed to.
// An entry exists iff its link is expected to be active, including while
// activation is still pending. Entries keep insertion order for reinstatement.
type subscriptionRegistry struct {
	mu    sync.RWMutex
	order []destinationKey
	subs  map[destinationKey]*subscription
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		subs: make(map[destinationKey]*subscription),
	}
}

// add registers dest served by link. It reports false if the pair is already registered.
func (r *subscriptionRegistry) add(dest Destination, link Link) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := dest.key()
	if _, ok := r.subs[key]; ok {
		return false
	}
	r.subs[key] = &subscription{dest: dest, link: link, window: newCreditWindow(dest.Credit)}
	r.order = append(r.order, key)
	return true
}

func (r *subscriptionRegistry) contains(pattern, share string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.subs[destinationKey{pattern: pattern, share: share}]
	return ok
}

// get returns a copy of the entry for the pair.
func (r *subscriptionRegistry) get(pattern, share string) (subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[destinationKey{pattern: pattern, share: share}]
	if !ok {
		return subscription{}, false
	}
	return *sub, true
}

// find returns the entry registered for pattern and the number of shares
// registered for it. The entry is only meaningful when the count is 1.
func (r *subscriptionRegistry) find(pattern string) (subscription, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		found *subscription
		count int
	)
	for _, key := range r.order {
		if key.pattern == pattern {
			found = r.subs[key]
			count++
		}
	}
	if count != 1 {
		return subscription{}, count
	}
	return *found, 1
}

func (r *subscriptionRegistry) remove(pattern, share string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := destinationKey{pattern: pattern, share: share}
	if _, ok := r.subs[key]; !ok {
		return false
	}
	delete(r.subs, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// relink points the entry at a new link after reconnecting. The entry goes back to pending.
func (r *subscriptionRegistry) relink(key destinationKey, link Link) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[key]; ok {
		sub.link = link
		sub.active = false
		sub.window.Reset()
	}
}

func (r *subscriptionRegistry) markActive(key destinationKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[key]; ok {
		sub.active = true
	}
}

// pending returns the entries still waiting for remote activation.
func (r *subscriptionRegistry) pending() []subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []subscription
	for _, key := range r.order {
		if sub := r.subs[key]; !sub.active {
			out = append(out, *sub)
		}
	}
	return out
}

// snapshot returns every entry in insertion order.
func (r *subscriptionRegistry) snapshot() []subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]subscription, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, *r.subs[key])
	}
	return out
}

// clear drops every entry.
func (r *subscriptionRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs = make(map[destinationKey]*subscription)
	r.order = nil
}

func (r *subscriptionRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.subs)
}
