package pipe

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/softpipe/pkg"
)

// notifier runs data callbacks outside the pump loop. It wakes when the pump
// signals new data, or every NotifyInterval as a safety net, and announces
// each distinct advance of the received-byte total at least once.
type notifier struct {
	e      *Engine
	signal chan struct{} // Auto-reset: at most one pending wakeup
	done   chan struct{}
	marker uint64 // Last total announced; owned by run

	// dispatching is set while callbacks run, so a Stop issued from a
	// callback does not wait on the goroutine it is running on.
	dispatching atomic.Bool

	mu        sync.Mutex
	callbacks []func(total uint64)
	subs      []chan uint64
	closed    bool
}

func newNotifier(e *Engine) *notifier {
	return &notifier{
		e:      e,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// notify wakes the notifier without blocking.
func (n *notifier) notify() {
	select {
	case n.signal <- struct{}{}:
	default:
	}
}

func (n *notifier) register(fn func(total uint64)) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callbacks = append(n.callbacks, fn)
}

func (n *notifier) subscribe() <-chan uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan uint64, 1)
	if n.closed {
		close(ch)
		return ch
	}
	n.subs = append(n.subs, ch)
	return ch
}

func (n *notifier) closeSubscribers() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	for _, ch := range n.subs {
		close(ch)
	}
	n.subs = nil
}

func (n *notifier) run(ctx context.Context) {
	defer close(n.done)
	defer n.closeSubscribers()

	ticker := time.NewTicker(n.e.cfg.NotifyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.signal:
		case <-ticker.C:
		}
		n.deliver(ctx)
	}
}

// deliver announces the current total until it stops moving. The total is
// re-read after every round, so an advance that lands while callbacks run is
// announced by another round rather than lost.
func (n *notifier) deliver(ctx context.Context) {
	for total := n.e.TotalReceived(); total != n.marker; total = n.e.TotalReceived() {
		if ctx.Err() != nil {
			return
		}
		n.marker = total
		n.e.metrics.RecordNotification(n.e.cfg.Pipe)
		n.dispatch(total)
	}
}

func (n *notifier) dispatch(total uint64) {
	n.mu.Lock()
	callbacks := slices.Clone(n.callbacks)
	subs := slices.Clone(n.subs)
	n.mu.Unlock()

	n.dispatching.Store(true)
	defer n.dispatching.Store(false)

	for _, fn := range callbacks {
		n.invoke(fn, total)
	}
	for _, ch := range subs {
		offer(ch, total)
	}
}

func (n *notifier) invoke(fn func(uint64), total uint64) {
	defer func() {
		if r := recover(); r != nil {
			pkg.LogError(pkg.ComponentNotifier, "data callback panicked",
				"pipe", n.e.pipeName(), "panic", r)
		}
	}()
	fn(total)
}

// offer sends v on a 1-buffered channel, replacing any unread value.
func offer(ch chan uint64, v uint64) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
