package cache

import "sync"

// notifier fans out per-key change signals to watchers. Sends never block:
// each watcher channel buffers one signal and further signals coalesce.
type notifier struct {
	mu       sync.Mutex
	watchers map[string]map[chan struct{}]struct{}
	closed   bool
}

func newNotifier() *notifier {
	return &notifier{watchers: make(map[string]map[chan struct{}]struct{})}
}

func (n *notifier) subscribe(key string) (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan struct{}, 1)
	if n.closed {
		close(ch)
		return ch, func() {}
	}

	set, ok := n.watchers[key]
	if !ok {
		set = make(map[chan struct{}]struct{})
		n.watchers[key] = set
	}
	set[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() { n.unsubscribe(key, ch) })
	}
}

func (n *notifier) unsubscribe(key string, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	set, ok := n.watchers[key]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(n.watchers, key)
	}
	close(ch)
}

func (n *notifier) notify(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.watchers[key] {
		signal(ch)
	}
}

func (n *notifier) notifyAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, set := range n.watchers {
		for ch := range set {
			signal(ch)
		}
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for key, set := range n.watchers {
		for ch := range set {
			close(ch)
		}
		delete(n.watchers, key)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
