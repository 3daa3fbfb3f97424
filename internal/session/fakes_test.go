package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatgateway/internal/core"
)

// fakeConn is an in-memory Conn. Tests push client frames with sendJSON and
// read server frames with next. holdWrites parks the writer until
// releaseWrites, which simulates a client that stopped reading.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	gate   chan struct{}
	parked atomic.Int32
	reads  atomic.Int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		c.reads.Add(1)
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		c.parked.Add(1)
		select {
		case <-gate:
		case <-c.closed:
		}
	}

	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.out <- data
	return nil
}

func (c *fakeConn) holdWrites() {
	c.mu.Lock()
	c.gate = make(chan struct{})
	c.mu.Unlock()
}

func (c *fakeConn) releaseWrites() {
	c.mu.Lock()
	if c.gate != nil {
		close(c.gate)
		c.gate = nil
	}
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sendRaw(data string) {
	c.in <- []byte(data)
}

func (c *fakeConn) sendJSON(t *testing.T, v map[string]any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal client frame: %v", err)
	}
	c.in <- data
}

// next returns the next server frame decoded as a map.
func (c *fakeConn) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-c.out:
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("server sent invalid JSON %q: %v", data, err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a server message")
		return nil
	}
}

// fakeStream replays deltas, then ends with err (io.EOF when nil). With
// block set it waits for ctx after the deltas instead.
type fakeStream struct {
	ctx    context.Context
	deltas []core.Delta
	err    error
	block  bool
	usage  *core.Usage

	pos    int
	served atomic.Int32
	closed atomic.Bool
}

func (s *fakeStream) Next() (core.Delta, error) {
	if s.pos < len(s.deltas) {
		d := s.deltas[s.pos]
		s.pos++
		s.served.Add(1)
		return d, nil
	}
	if s.block {
		<-s.ctx.Done()
		return core.Delta{}, s.ctx.Err()
	}
	if s.err != nil {
		return core.Delta{}, s.err
	}
	return core.Delta{}, io.EOF
}

func (s *fakeStream) Usage() (core.Usage, bool) {
	if s.usage == nil {
		return core.Usage{}, false
	}
	return *s.usage, true
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

// fakeProvider hands out fakeStreams built by the test.
type fakeProvider struct {
	mu        sync.Mutex
	requests  []*core.ChatRequest
	streams   []*fakeStream
	startErr  error
	newStream func() *fakeStream
}

func (p *fakeProvider) ChatCompletion(context.Context, *core.ChatRequest) (*core.ChatResponse, error) {
	return nil, errors.New("not implemented")
}

func (p *fakeProvider) StreamChatCompletion(ctx context.Context, req *core.ChatRequest) (core.DeltaStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.startErr != nil {
		return nil, p.startErr
	}
	s := &fakeStream{}
	if p.newStream != nil {
		s = p.newStream()
	}
	s.ctx = ctx
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakeProvider) ListModels(context.Context) ([]core.Model, error) {
	return []core.Model{{ID: "gpt-4"}}, nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *fakeProvider) lastRequest() *core.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	return p.requests[len(p.requests)-1]
}

func (p *fakeProvider) lastStream() *fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

// fakeValidator accepts the tokens in its map.
type fakeValidator map[string]string

func (v fakeValidator) ValidateToken(_ context.Context, token string) (string, error) {
	if user, ok := v[token]; ok {
		return user, nil
	}
	return "", core.NewAuthenticationError("", "invalid token")
}
