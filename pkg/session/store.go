package session

import (
	"errors"
	"sync"
)

// Reducer derives the next state from a clone of the current one. Returning
// an error leaves the state untouched and hands the error to the committer.
// A reducer must not commit to the store it runs on.
type Reducer func(State) (State, error)

type commitRequest struct {
	reduce Reducer
	result chan error
}

// Store is the single source of truth for the session. All mutations are
// applied in order by one goroutine; readers get immutable snapshots.
type Store struct {
	commits chan commitRequest
	done    chan struct{}
	once    sync.Once

	mutex sync.RWMutex
	state State

	subMutex sync.Mutex
	subs     map[int]chan State
	nextSub  int
}

// NewStore starts a store holding initial
func NewStore(initial State) *Store {
	s := &Store{
		commits: make(chan commitRequest),
		done:    make(chan struct{}),
		state:   initial,
		subs:    make(map[int]chan State),
	}
	go s.run()
	return s
}

func (s *Store) run() {
	for {
		select {
		case <-s.done:
			return
		case req := <-s.commits:
			req.result <- s.apply(req.reduce)
		}
	}
}

func (s *Store) apply(reduce Reducer) error {
	s.mutex.RLock()
	current := s.state
	s.mutex.RUnlock()

	next, err := reduce(current.clone())
	if err != nil {
		return err
	}

	s.mutex.Lock()
	s.state = next
	s.mutex.Unlock()

	s.publish(next)
	return nil
}

// Commit queues reduce and waits until it was applied or rejected
func (s *Store) Commit(reduce Reducer) error {
	req := commitRequest{reduce: reduce, result: make(chan error, 1)}
	select {
	case s.commits <- req:
	case <-s.done:
		return ErrSessionClosed
	}
	select {
	case err := <-req.result:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

// State returns the current snapshot
func (s *Store) State() State {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state
}

// Subscribe returns a channel that always holds the latest snapshot. Slow
// readers skip intermediate snapshots. The channel is closed by the returned
// cancel func or when the store closes.
func (s *Store) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	s.subMutex.Lock()
	select {
	case <-s.done:
		s.subMutex.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.State()
	s.subMutex.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMutex.Lock()
			defer s.subMutex.Unlock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
		})
	}
}

func (s *Store) publish(state State) {
	s.subMutex.Lock()
	defer s.subMutex.Unlock()

	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- state
	}
}

// Close stops the commit loop and closes every subscription
func (s *Store) Close() {
	s.once.Do(func() {
		s.subMutex.Lock()
		close(s.done)
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
		s.subMutex.Unlock()
	})
}

// errDiscarded marks a completion that no longer applies to the current state
var errDiscarded = errors.New("stale completion discarded")
