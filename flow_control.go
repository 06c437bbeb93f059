package mqlight

import (
	"sync"
)

// DefaultCredit is the default credit window of a destination.
const DefaultCredit = 1024

// creditWindow bounds the number of unconfirmed deliveries of one destination.
// Receive grants link credit only while the window has room; Delivery.Confirm
// gives the slot back.
type creditWindow struct {
	mu          sync.Mutex
	size        uint32
	unconfirmed uint32
}

func newCreditWindow(size uint32) *creditWindow {
	if size == 0 {
		size = DefaultCredit
	}
	return &creditWindow{size: size}
}

// Size returns the configured window.
func (w *creditWindow) Size() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Available returns how many more deliveries may be taken before confirming.
func (w *creditWindow) Available() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unconfirmed >= w.size {
		return 0
	}
	return w.size - w.unconfirmed
}

// Unconfirmed returns the number of deliveries awaiting confirmation.
func (w *creditWindow) Unconfirmed() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unconfirmed
}

// TryAcquire takes a slot for a delivery that must be confirmed.
func (w *creditWindow) TryAcquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.unconfirmed >= w.size {
		return false
	}
	w.unconfirmed++
	return true
}

// Release returns a slot when a delivery is confirmed.
func (w *creditWindow) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.unconfirmed > 0 {
		w.unconfirmed--
	}
}

// Reset forgets every unconfirmed delivery. The service redelivers them
// after a reconnect.
func (w *creditWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unconfirmed = 0
}
