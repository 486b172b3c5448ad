package flushmanager

import "sync"

// Ticket is a position in the index-write order.
type Ticket uint64

// Sequencer hands out FIFO ordering tokens so that durable index updates from
// different flush batches apply in the order the batches were scheduled, not
// the order their byte writes happen to complete.
type Sequencer struct {
	mu      sync.Mutex
	next    Ticket
	serving Ticket
	waiters map[Ticket]chan struct{}
}

// NewSequencer creates a sequencer whose first ticket is served immediately.
func NewSequencer() *Sequencer {
	return &Sequencer{waiters: make(map[Ticket]chan struct{})}
}

// Issue returns the next ticket in line.
func (s *Sequencer) Issue() Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.next
	s.next++
	return t
}

// Wait returns a channel that is closed when t is the ticket being served.
func (s *Sequencer) Wait(t Ticket) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t == s.serving {
		return closedChan
	}
	if t < s.serving || t >= s.next {
		ContractViolation("ticket %d waited on outside [%d, %d)", t, s.serving, s.next)
	}
	ch, ok := s.waiters[t]
	if !ok {
		ch = make(chan struct{})
		s.waiters[t] = ch
	}
	return ch
}

// Done finishes ticket t and admits the next one. It must be called exactly
// once per ticket, including when the batch failed.
func (s *Sequencer) Done(t Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t != s.serving {
		ContractViolation("ticket %d finished while %d is being served", t, s.serving)
	}
	s.serving++
	if ch, ok := s.waiters[s.serving]; ok {
		close(ch)
		delete(s.waiters, s.serving)
	}
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
