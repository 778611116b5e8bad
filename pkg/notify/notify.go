// Package notify defines the event types the chainstate manager emits and
// a small FIFO dispatcher that delivers them to subscribers outside the
// manager's lock.
//
// This generalizes the teacher's single-slot handler-callback fields
// (Klingon-tech-klingnet's chain.Chain.RegistrationHandler,
// DeregistrationHandler, RevertedTxHandler) into a multi-subscriber list,
// since more than one collaborator (miner, RPC, peer manager) needs to
// observe the same stream of events.
package notify

import (
	"sync"
)

// Kind identifies the shape of an Event.
type Kind int

const (
	// BlockConnected fires after the active tip has been advanced to
	// include the given block; observing the tip inside the callback
	// returns the newly connected block.
	BlockConnected Kind = iota
	// BlockDisconnected fires before the active tip is rewound past the
	// given block; observing the tip inside the callback still returns
	// the block being removed.
	BlockDisconnected
	// ChainTip fires once per activate_best_chain call that changes the
	// tip, after all BlockConnected/BlockDisconnected events for that
	// call have been enqueued.
	ChainTip
	// SuspiciousReorg fires when a reorg's depth meets or exceeds the
	// configured threshold and the reorg is policy-refused.
	SuspiciousReorg
	// NetworkExpired fires when activation reaches or exceeds the
	// configured network expiration height, and also, without rejecting
	// the header, when an accepted header falls inside the grace window
	// just before that height.
	NetworkExpired
)

// Event is a single notification. Only the fields relevant to Kind are
// populated; callers switch on Kind before reading them.
type Event struct {
	Kind Kind

	// BlockConnected / BlockDisconnected
	HeaderHash [32]byte
	Height     int64

	// ChainTip
	TipHash   [32]byte
	TipHeight int64

	// SuspiciousReorg
	ReorgDepth int64
	MaxAllowed int64

	// NetworkExpired
	CurrentHeight    int64
	ExpirationHeight int64
}

// Handler receives dispatched events. Handlers run on the dispatcher's
// goroutine, in subscriber registration order, one event at a time; a
// handler must not block indefinitely or it stalls every other
// subscriber.
type Handler func(Event)

// Dispatcher buffers events enqueued under the chainstate lock and
// delivers them to registered handlers on its own goroutine after the
// lock is released, preserving FIFO order across an entire batch.
type Dispatcher struct {
	mu       sync.Mutex
	handlers []Handler
	queue    chan Event
	done     chan struct{}
}

// NewDispatcher starts a dispatcher with the given queue depth. A
// depth of zero or less is replaced by 256; callers should size it generously relative
// to the expected reorg depth so Publish never blocks under the lock.
func NewDispatcher(queueDepth int) *Dispatcher {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	d := &Dispatcher{
		queue: make(chan Event, queueDepth),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

// Subscribe registers h to receive all future events. Not safe to call
// from within a handler.
func (d *Dispatcher) Subscribe(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Publish enqueues a batch of events for asynchronous delivery,
// preserving their order. Intended to be called once, immediately after
// releasing the chainstate lock, with the events accumulated during the
// locked operation.
func (d *Dispatcher) Publish(events []Event) {
	for _, e := range events {
		d.queue <- e
	}
}

func (d *Dispatcher) run() {
	for {
		select {
		case e := <-d.queue:
			d.mu.Lock()
			handlers := append([]Handler(nil), d.handlers...)
			d.mu.Unlock()
			for _, h := range handlers {
				h(e)
			}
		case <-d.done:
			return
		}
	}
}

// Close stops the dispatcher goroutine. Any events still queued are
// dropped; callers should drain via Publish synchronization if that
// matters for a clean shutdown.
func (d *Dispatcher) Close() {
	close(d.done)
}
