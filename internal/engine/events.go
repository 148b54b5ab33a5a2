package engine

import "sync"

// EventQueue is an unbounded FIFO between engine callbacks and the
// coordinator. Push never blocks, so engine goroutines cannot stall on a
// busy consumer.
type EventQueue struct {
	mu      sync.Mutex
	pending []Event
	notify  chan struct{}
	out     chan Event
	done    chan struct{}
	once    sync.Once
}

func NewEventQueue() *EventQueue {
	q := &EventQueue{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *EventQueue) Push(ev Event) {
	q.mu.Lock()
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *EventQueue) C() <-chan Event { return q.out }

func (q *EventQueue) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *EventQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-q.done:
				return
			}
		}
		ev := q.pending[0]
		q.pending[0] = Event{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.done:
			return
		}
	}
}
