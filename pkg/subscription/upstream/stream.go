package upstream

import (
	"context"
	"io"
	"sync"

	"github.com/jensneuse/graphql-gateway/pkg/gateway/fetch"
)

// Stream is one subscription on an upstream connection. Events are queued
// without bound until they are read with Next.
type Stream struct {
	conn *connection
	id   string

	mu      sync.Mutex
	queue   []*fetch.Response
	done    bool
	err     error
	signal  chan struct{}
	release sync.Once
}

func newStream(conn *connection, id string) *Stream {
	return &Stream{
		conn:   conn,
		id:     id,
		signal: make(chan struct{}, 1),
	}
}

// Next returns the next event. It returns io.EOF once the service completed
// the subscription and the error of the service if it failed.
func (s *Stream) Next(ctx context.Context) (*fetch.Response, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			response := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return response, nil
		}
		if s.done {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				return nil, io.EOF
			}
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.signal:
		}
	}
}

// Close stops the subscription at the service. It is safe to call Close more
// than once.
func (s *Stream) Close() {
	s.release.Do(func() {
		s.mu.Lock()
		finished := s.done
		s.done = true
		s.queue = nil
		s.mu.Unlock()
		s.notify()

		s.conn.release(s, !finished)
	})
}

func (s *Stream) push(response *fetch.Response) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, response)
	s.mu.Unlock()
	s.notify()
}

// finish ends the stream after the queued events were read.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.err = err
	s.mu.Unlock()
	s.notify()
}

func (s *Stream) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
