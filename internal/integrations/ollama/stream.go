package ollama

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"localai-backend/internal/models"
	"sync"
)

const maxFragmentSize = 1 << 20

// Stream reads newline-delimited JSON fragments from a streaming /api/chat
// response. It is one-shot: once Next returns false it never yields again.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	current models.ChatResponse
	err     error
	done    bool

	closeOnce sync.Once
	closeErr  error
}

var _ models.FragmentStream = (*Stream)(nil)

// NewStream wraps an NDJSON body. The stream owns body and closes it.
func NewStream(body io.ReadCloser) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxFragmentSize)
	return &Stream{body: body, scanner: sc}
}

// Next advances to the next fragment. It returns false once the done
// fragment has been yielded or an error occurred. A body that ends without
// a done fragment is an error (ErrIncompleteStream).
func (s *Stream) Next() bool {
	if s.done || s.err != nil {
		return false
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		frag, err := normalizeReply(line)
		if err != nil {
			s.fail(err)
			return false
		}
		s.current = frag
		if frag.Done {
			// yield the final fragment, then stop
			s.done = true
		}
		return true
	}
	if err := s.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			s.fail(fmt.Errorf("ollama: stream fragment exceeds %d bytes", maxFragmentSize))
		} else {
			s.fail(classifyTransportErr(err))
		}
		return false
	}
	s.fail(ErrIncompleteStream)
	return false
}

// Fragment returns the fragment produced by the last successful Next.
func (s *Stream) Fragment() models.ChatResponse {
	return s.current
}

// Err returns the first error encountered, if any.
func (s *Stream) Err() error {
	return s.err
}

// Close releases the upstream connection. Safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

func (s *Stream) fail(err error) {
	s.err = err
	s.Close()
}
