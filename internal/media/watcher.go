package media

import (
	"sync"
	"time"
)

// changeNotifier polls a device-set signature and notifies subscribers
// when it changes. The poll loop runs only while subscribers exist.
type changeNotifier struct {
	signature func() string
	interval  time.Duration

	mu     sync.Mutex
	subs   map[int]func()
	nextID int
	stop   chan struct{}
}

func newChangeNotifier(signature func() string, interval time.Duration) *changeNotifier {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &changeNotifier{
		signature: signature,
		interval:  interval,
		subs:      make(map[int]func()),
	}
}

// Subscribe registers fn and returns its unsubscribe function.
func (n *changeNotifier) Subscribe(fn func()) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	if n.stop == nil {
		n.stop = make(chan struct{})
		go n.watch(n.stop)
	}
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		if len(n.subs) == 0 && n.stop != nil {
			close(n.stop)
			n.stop = nil
		}
		n.mu.Unlock()
	}
}

func (n *changeNotifier) watch(stop chan struct{}) {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	last := n.signature()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			current := n.signature()
			if current == last {
				continue
			}
			last = current

			n.mu.Lock()
			fns := make([]func(), 0, len(n.subs))
			for _, fn := range n.subs {
				fns = append(fns, fn)
			}
			n.mu.Unlock()

			for _, fn := range fns {
				fn()
			}
		}
	}
}
