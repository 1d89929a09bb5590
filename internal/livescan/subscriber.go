package livescan

import "sync"

// subscriber wraps a channel with safe close handling
type subscriber struct {
	ch        chan State
	closeOnce sync.Once
}

func (sub *subscriber) close() {
	sub.closeOnce.Do(func() {
		close(sub.ch)
	})
}

// send never blocks; a slow reader misses intermediate states but always
// sees a later one.
func (sub *subscriber) send(state State) bool {
	select {
	case sub.ch <- state:
		return true
	default:
		return false
	}
}

type subscribers struct {
	mu   sync.RWMutex
	subs []*subscriber
}

func (s *subscribers) add(buffer int) <-chan State {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &subscriber{ch: make(chan State, buffer)}
	s.subs = append(s.subs, sub)
	return sub.ch
}

func (s *subscribers) remove(ch <-chan State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subs {
		if sub.ch == ch {
			// Remove from slice first, then close safely
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			sub.close()
			return
		}
	}
}

// broadcast holds the read lock while sending so remove cannot close a
// channel mid-send.
func (s *subscribers) broadcast(state State) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subs {
		sub.send(state)
	}
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		sub.close()
	}
	s.subs = nil
}
