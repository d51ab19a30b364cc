package session

import "sync"

// notifier delivers events to subscribers on a single goroutine, in the order
// they were published. Publishing never blocks; a slow subscriber only delays
// later deliveries.
type notifier struct {
	mu     sync.Mutex
	queue  []Event
	subs   map[int]*subscriber
	order  []int
	nextID int
	closed bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

type subscriber struct {
	ch   chan Event
	quit chan struct{}
	once sync.Once

	mu     sync.Mutex
	closed bool
}

func newNotifier() *notifier {
	n := &notifier{
		subs: make(map[int]*subscriber),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

func (n *notifier) publish(evt Event) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, evt)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	sub := &subscriber{ch: make(chan Event, buffer), quit: make(chan struct{})}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = sub
	n.order = append(n.order, id)
	n.mu.Unlock()

	return sub.ch, func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
		sub.close()
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.quit)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

func (s *subscriber) deliver(evt Event, done <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- evt:
	case <-s.quit:
	case <-done:
	}
}

func (n *notifier) run() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return
		case <-n.wake:
		}
		for {
			n.mu.Lock()
			if len(n.queue) == 0 {
				n.mu.Unlock()
				break
			}
			evt := n.queue[0]
			n.queue[0] = Event{}
			n.queue = n.queue[1:]
			targets := make([]*subscriber, 0, len(n.subs))
			live := n.order[:0]
			for _, id := range n.order {
				if sub, ok := n.subs[id]; ok {
					targets = append(targets, sub)
					live = append(live, id)
				}
			}
			n.order = live
			n.mu.Unlock()

			for _, sub := range targets {
				sub.deliver(evt, n.done)
			}
		}
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	subs := make([]*subscriber, 0, len(n.subs))
	for _, sub := range n.subs {
		subs = append(subs, sub)
	}
	n.subs = map[int]*subscriber{}
	n.order = nil
	n.mu.Unlock()

	close(n.done)
	n.wg.Wait()
	for _, sub := range subs {
		sub.close()
	}
}
