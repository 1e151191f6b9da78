package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/basecamp/studio-cli/internal/observability"
	"github.com/basecamp/studio-cli/internal/output"
)

// ErrStreamDone is returned by Stream.Next after the last chunk.
var ErrStreamDone = errors.New("stream done")

// sseDone is the terminal marker some services send instead of closing.
var sseDone = []byte("[DONE]")

// Chunk is one line-delimited unit of a streamed body. For server-sent
// events Data is the payload with the "data:" prefix removed.
type Chunk struct {
	Event string
	Data  []byte
}

// Decode unmarshals the chunk payload into v.
func (c Chunk) Decode(v any) error {
	if err := json.Unmarshal(c.Data, v); err != nil {
		return output.ErrParse("Stream chunk is not valid JSON", err)
	}
	return nil
}

// Stream is a lazily read response body. It is not safe for concurrent use.
type Stream struct {
	StatusCode int

	body   io.ReadCloser
	reader *bufio.Reader
	cancel context.CancelFunc
	event  string
	done   bool

	// onFail reports a read failure to the client's bus and sink.
	onFail   func(*output.Error)
	failOnce sync.Once

	closeOnce sync.Once
}

// Stream performs a request whose 2xx body is consumed incrementally. It is
// never cached and runs under the configured stream timeout rather than the
// request timeout. The caller must Close the stream.
func (c *Client) Stream(ctx context.Context, address string, opts Options) (*Stream, error) {
	resolved, opts := c.prepare(ctx, address, opts)
	opts.Header = opts.Header.Clone()
	if opts.Header == nil {
		opts.Header = make(map[string][]string)
	}
	if opts.Header.Get("Accept") == "" {
		opts.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")
	}

	id := newCorrelationID()
	c.bus.Emit(observability.Event{Type: observability.RequestStarted, ID: id, Method: opts.Method, URL: resolved})
	start := time.Now()

	body, err := encodeBody(opts.Body)
	if err != nil {
		return nil, c.failed(id, opts.Method, resolved, start, output.ErrUsage("Request body could not be encoded: "+err.Error()))
	}

	var (
		sctx   context.Context
		cancel context.CancelFunc
	)
	if c.cfg.StreamTimeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, c.cfg.StreamTimeout)
	} else {
		sctx, cancel = context.WithCancel(ctx)
	}

	ex, err := c.exchange(sctx, resolved, &opts, body, c.streamClient, true)
	if err != nil {
		cancel()
		return nil, c.failed(id, opts.Method, resolved, start, err)
	}

	c.bus.Emit(observability.Event{
		Type:       observability.RequestEnded,
		ID:         id,
		Method:     opts.Method,
		URL:        resolved,
		StatusCode: ex.status,
		Duration:   time.Since(start),
		Replayed:   ex.replayed,
	})

	rc := ex.stream
	if rc == nil {
		rc = io.NopCloser(bytes.NewReader(ex.body))
	}
	s := newStream(ex.status, rc, cancel)
	s.onFail = func(e *output.Error) {
		// The caller chose to stop; it reports that itself.
		if errors.Is(e, context.Canceled) {
			c.emitFailed(id, opts.Method, resolved, start, e)
			return
		}
		c.failed(id, opts.Method, resolved, start, e)
	}
	return s, nil
}

func newStream(status int, body io.ReadCloser, cancel context.CancelFunc) *Stream {
	return &Stream{
		StatusCode: status,
		body:       body,
		reader:     bufio.NewReader(body),
		cancel:     cancel,
	}
}

// Next returns the next chunk, or ErrStreamDone at the end of the body or
// after an SSE [DONE] marker. Blank lines and SSE comments are skipped, and a
// final line without a trailing newline is still delivered.
func (s *Stream) Next(ctx context.Context) (Chunk, error) {
	if s.done {
		return Chunk{}, ErrStreamDone
	}
	if err := ctx.Err(); err != nil {
		return Chunk{}, s.fail(classifyTransport(err))
	}

	// Unblock a pending read when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = s.body.Close() })
	defer stop()

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			s.done = true
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Chunk{}, s.fail(classifyTransport(ctxErr))
			}
			return Chunk{}, s.fail(classifyTransport(err))
		}
		eof := err != nil

		chunk, ok, finished := s.parseLine(line)
		if finished {
			s.done = true
			return Chunk{}, ErrStreamDone
		}
		if ok {
			if eof {
				s.done = true
			}
			return chunk, nil
		}
		if eof {
			s.done = true
			return Chunk{}, ErrStreamDone
		}
	}
}

// fail reports the first read failure and returns it.
func (s *Stream) fail(e *output.Error) *output.Error {
	s.failOnce.Do(func() {
		if s.onFail != nil {
			s.onFail(e)
		}
	})
	return e
}

// parseLine interprets one line. ok is false for lines that carry no
// payload; finished reports the [DONE] marker.
func (s *Stream) parseLine(line []byte) (chunk Chunk, ok, finished bool) {
	line = bytes.TrimRight(line, "\r\n")
	switch {
	case len(bytes.TrimSpace(line)) == 0:
		return Chunk{}, false, false
	case line[0] == ':':
		return Chunk{}, false, false
	case bytes.HasPrefix(line, []byte("event:")):
		s.event = string(bytes.TrimSpace(line[len("event:"):]))
		return Chunk{}, false, false
	case bytes.HasPrefix(line, []byte("data:")):
		data := bytes.TrimPrefix(line[len("data:"):], []byte(" "))
		if bytes.Equal(bytes.TrimSpace(data), sseDone) {
			return Chunk{}, false, true
		}
		chunk = Chunk{Event: s.event, Data: bytes.Clone(data)}
		s.event = ""
		return chunk, true, false
	default:
		return Chunk{Data: bytes.Clone(line)}, true, false
	}
}

// All ranges over the remaining chunks and closes the stream when done.
// A read error is yielded once and ends the sequence.
func (s *Stream) All(ctx context.Context) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		defer s.Close()
		for {
			chunk, err := s.Next(ctx)
			if errors.Is(err, ErrStreamDone) {
				return
			}
			if err != nil {
				yield(Chunk{}, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// Close releases the body. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		if s.cancel != nil {
			s.cancel()
		}
	})
	return err
}
