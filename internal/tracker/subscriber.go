package tracker

import "sync"

// subscriber 把事件投递到带缓冲的通道。通道写满后事件进入积压队列，
// 同一条目的积压事件只保留最新一条，由后台 goroutine 按顺序补发，
// 因此消费慢的订阅者可能错过中间状态，但不会错过条目的最终状态。
type subscriber struct {
	ch   chan Event
	done chan struct{}

	mu      sync.Mutex
	backlog []string
	latest  map[string]Event
	pumping bool
	closed  bool
}

func newSubscriber(buffer int) *subscriber {
	return &subscriber{
		ch:     make(chan Event, buffer),
		done:   make(chan struct{}),
		latest: make(map[string]Event),
	}
}

// deliver 不会阻塞调用方。
func (s *subscriber) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if !s.pumping && len(s.backlog) == 0 {
		select {
		case s.ch <- ev:
			return
		default:
		}
	}

	if _, queued := s.latest[ev.ID]; !queued {
		s.backlog = append(s.backlog, ev.ID)
	}
	s.latest[ev.ID] = ev
	if !s.pumping {
		s.pumping = true
		go s.pump()
	}
}

func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		if s.closed {
			s.pumping = false
			close(s.ch)
			s.mu.Unlock()
			return
		}
		if len(s.backlog) == 0 {
			s.pumping = false
			s.mu.Unlock()
			return
		}
		id := s.backlog[0]
		s.backlog = s.backlog[1:]
		ev := s.latest[id]
		delete(s.latest, id)
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.done:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	if !s.pumping {
		close(s.ch)
	}
}
