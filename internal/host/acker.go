package host

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/jobtally/pkg/jobstore"
)

// LogAcker records settlements in the log only. A nack logged here is not
// redelivered; wrap it in Settlements when a caller must learn the outcome.
type LogAcker struct {
	Log *zap.Logger
}

func (a LogAcker) Ack(token jobstore.AckToken) {
	if a.Log != nil {
		a.Log.Debug("Message acked", zap.String("token", string(token)))
	}
}

func (a LogAcker) Nack(token jobstore.AckToken, err error) {
	if a.Log != nil {
		a.Log.Warn("Message nacked", zap.String("token", string(token)), zap.Error(err))
	}
}

// Tally counts settlements and remembers the nacked tokens.
type Tally struct {
	mu     sync.Mutex
	acked  []jobstore.AckToken
	nacked []jobstore.AckToken
}

func (t *Tally) Ack(token jobstore.AckToken) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acked = append(t.acked, token)
}

func (t *Tally) Nack(token jobstore.AckToken, _ error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nacked = append(t.nacked, token)
}

// Acked returns a copy of the acked tokens in settlement order.
func (t *Tally) Acked() []jobstore.AckToken {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]jobstore.AckToken(nil), t.acked...)
}

// Nacked returns a copy of the nacked tokens in settlement order.
func (t *Tally) Nacked() []jobstore.AckToken {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]jobstore.AckToken(nil), t.nacked...)
}

// ErrNackedWithoutCause stands in for a nil error passed to Nack.
var ErrNackedWithoutCause = errors.New("message nacked")

// Settlements forwards every settlement to another Acker and hands it to
// whoever is waiting on the token. Waiters register with Expect before the
// message is handled, so a settlement is never missed.
type Settlements struct {
	next Acker

	mu      sync.Mutex
	waiters map[jobstore.AckToken][]chan error
}

func NewSettlements(next Acker) *Settlements {
	return &Settlements{
		next:    next,
		waiters: make(map[jobstore.AckToken][]chan error),
	}
}

// Expect registers interest in token. The channel receives nil on ack or the
// nack error, exactly once. cancel drops the registration and is safe to
// call after settlement.
func (s *Settlements) Expect(token jobstore.AckToken) (settled <-chan error, cancel func()) {
	ch := make(chan error, 1)
	s.mu.Lock()
	s.waiters[token] = append(s.waiters[token], ch)
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.waiters[token]
		for i, w := range list {
			if w == ch {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(s.waiters, token)
		} else {
			s.waiters[token] = list
		}
	}
}

// Waiting returns the number of registrations not yet settled or cancelled.
func (s *Settlements) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, list := range s.waiters {
		n += len(list)
	}
	return n
}

func (s *Settlements) Ack(token jobstore.AckToken) {
	if s.next != nil {
		s.next.Ack(token)
	}
	s.settle(token, nil)
}

func (s *Settlements) Nack(token jobstore.AckToken, err error) {
	if err == nil {
		err = ErrNackedWithoutCause
	}
	if s.next != nil {
		s.next.Nack(token, err)
	}
	s.settle(token, err)
}

func (s *Settlements) settle(token jobstore.AckToken, err error) {
	s.mu.Lock()
	list := s.waiters[token]
	delete(s.waiters, token)
	s.mu.Unlock()

	for _, ch := range list {
		ch <- err
	}
}
