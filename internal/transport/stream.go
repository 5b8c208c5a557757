package transport

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rbright/obdgate/internal/job"
)

// stream binds a Conn to the session generation it was created for. Any I/O
// failure other than a deadline expiry ends that session.
type stream struct {
	t    *Transport
	id   uint64
	conn Conn
}

func (s *stream) Read(p []byte) (int, error) {
	if !s.t.current(s.id) {
		return 0, ErrStaleSession
	}
	n, err := s.conn.Read(p)
	if err != nil {
		return n, s.fail("read", err)
	}
	return n, nil
}

func (s *stream) Write(p []byte) (int, error) {
	if !s.t.current(s.id) {
		return 0, ErrStaleSession
	}
	n, err := s.conn.Write(p)
	if err != nil {
		return n, s.fail("write", err)
	}
	return n, nil
}

// SetReadDeadline forwards to the underlying connection when it supports
// deadlines and is a no-op otherwise.
func (s *stream) SetReadDeadline(deadline time.Time) error {
	d, ok := s.conn.(interface{ SetReadDeadline(time.Time) error })
	if !ok {
		return nil
	}
	return d.SetReadDeadline(deadline)
}

// Drop ends the session this stream belongs to, as an I/O failure would. It
// does nothing once the session has been replaced.
func (s *stream) Drop(err error) {
	s.t.lost(s.id, err)
}

func (s *stream) fail(op string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.t.lost(s.id, err)
	return fmt.Errorf("%w: %s: %w", job.ErrTransport, op, err)
}
