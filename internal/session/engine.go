package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"chatgateway/internal/conversation"
	"chatgateway/internal/core"
	"chatgateway/internal/observability"
	"chatgateway/internal/providers"
	"chatgateway/internal/quota"
)

const (
	defaultOutboundBuffer = 100
	defaultRecordTimeout  = 5 * time.Second
)

var errConnClosed = errors.New("connection closed")

// Conn is one message-oriented client connection. ReadMessage blocks until a
// frame arrives and must return an error once Close has been called.
// WriteMessage is only called from a single goroutine.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Router resolves a model id to the adapter serving it.
type Router interface {
	Resolve(model string) (providers.Route, error)
}

// Config tunes the engine.
type Config struct {
	// OutboundBuffer bounds the queue between tasks and the socket writer.
	OutboundBuffer int
	// RecordTimeout bounds the bookkeeping that runs after a stream ends.
	RecordTimeout time.Duration
}

// Deps are the engine's collaborators. Metrics may be nil.
type Deps struct {
	Validator     core.TokenValidator
	Router        Router
	Quota         *quota.Engine
	Conversations conversation.Store
	Metrics       *observability.Metrics
}

// Engine serves sessions over Conns.
type Engine struct {
	cfg      Config
	deps     Deps
	sessions *Registry
	now      func() time.Time
}

// NewEngine creates an engine. Every dependency except Metrics is required.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Validator == nil:
		return nil, fmt.Errorf("token validator is required")
	case deps.Router == nil:
		return nil, fmt.Errorf("router is required")
	case deps.Quota == nil:
		return nil, fmt.Errorf("quota engine is required")
	case deps.Conversations == nil:
		return nil, fmt.Errorf("conversation store is required")
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = defaultOutboundBuffer
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = defaultRecordTimeout
	}
	return &Engine{
		cfg:      cfg,
		deps:     deps,
		sessions: NewRegistry(),
		now:      time.Now,
	}, nil
}

// Sessions returns the live session registry.
func (e *Engine) Sessions() *Registry {
	return e.sessions
}

// Serve runs one session until the client goes away, a write fails or ctx is
// cancelled. It closes conn, cancels the session's tasks and waits for their
// bookkeeping before returning.
func (e *Engine) Serve(ctx context.Context, conn Conn) error {
	s := newSession(uuid.NewString(), e.now())
	e.sessions.Add(s)
	e.deps.Metrics.SessionOpened()

	log := slog.With("session_id", s.ID)
	log.Info("session opened")

	g, gctx := errgroup.WithContext(ctx)
	c := &connection{
		engine:  e,
		session: s,
		out:     make(chan any, e.cfg.OutboundBuffer),
		done:    gctx.Done(),
		log:     log,
	}
	c.send(connectedEvent(s.ID))

	g.Go(func() error { return c.writeLoop(gctx, conn) })
	g.Go(func() error { return c.readLoop(gctx, conn) })
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})
	err := g.Wait()

	s.cancelAll()
	s.wait()
	if e.sessions.Remove(s.ID) {
		e.deps.Metrics.SessionClosed()
	}
	log.Info("session closed", "user_id", s.UserID(), "reason", err)

	if errors.Is(err, errConnClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

// connection holds the per-session plumbing shared by the loops and tasks.
type connection struct {
	engine  *Engine
	session *Session
	out     chan any
	done    <-chan struct{}
	log     *slog.Logger
}

// taskMessage is a message owned by a task. The writer drops it once the
// task has been stopped.
type taskMessage struct {
	task *task
	msg  any
}

// send queues msg for the writer. It blocks while the queue is full and
// returns false once the session is shutting down. The read loop never
// calls it.
func (c *connection) send(msg any) bool {
	select {
	case c.out <- msg:
		return true
	case <-c.done:
		return false
	}
}

// emit queues msg on behalf of t unless t was stopped. It holds no lock while
// waiting for queue space and gives up when ctx ends, which stop causes.
func (c *connection) emit(ctx context.Context, t *task, msg any) bool {
	if t.isStopped() {
		return false
	}
	select {
	case c.out <- taskMessage{task: t, msg: msg}:
		return true
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	}
}

// reply answers a client frame from the read loop. It never waits: while the
// queue is full the reply is dropped so stop and ping keep being read.
func (c *connection) reply(msg any) {
	select {
	case c.out <- msg:
	default:
		c.log.Warn("outbound queue full, dropping reply")
	}
}

func (c *connection) writeLoop(ctx context.Context, conn Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.out:
			if tm, ok := msg.(taskMessage); ok {
				if tm.task.isStopped() {
					continue
				}
				msg = tm.msg
			}
			data, err := json.Marshal(msg)
			if err != nil {
				c.log.Error("failed to encode server message", "error", err)
				continue
			}
			if err := conn.WriteMessage(data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

func (c *connection) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", errConnClosed, err)
		}
		c.session.touch(c.engine.now())
		c.handle(ctx, data)
	}
}

func (c *connection) handle(ctx context.Context, data []byte) {
	msg, err := DecodeClientMessage(data)
	if err != nil {
		c.log.Warn("failed to parse client message", "error", err)
		c.reply(errorEvent(msgInvalidFormat, ""))
		return
	}

	switch msg.Type {
	case TypeAuth:
		c.authenticate(ctx, msg.Auth.Token)
	case TypeChat:
		c.startChat(ctx, msg.Chat)
	case TypeStop:
		c.stop(msg.Stop.RequestID)
	case TypePing:
		c.reply(pongEvent())
	}
}

func (c *connection) authenticate(ctx context.Context, token string) {
	userID, err := c.engine.deps.Validator.ValidateToken(ctx, token)
	if err != nil {
		c.log.Info("authentication failed", "error", err)
		c.reply(errorEvent("Authentication failed: "+clientMessage(err), ""))
		return
	}
	c.session.authenticate(userID)
	c.log.Info("session authenticated", "user_id", userID)
	c.reply(authenticatedEvent(userID))
}

func (c *connection) startChat(ctx context.Context, m *ChatMessage) {
	userID := c.session.UserID()
	if userID == "" {
		c.reply(errorEvent(msgNotAuthenticated, m.RequestID))
		return
	}

	requestID := m.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	taskCtx, cancel := context.WithCancel(ctx)
	t, ok := c.session.startTask(requestID, cancel)
	if !ok {
		cancel()
		c.reply(errorEvent(msgDuplicateRequest, requestID))
		return
	}

	go func() {
		defer c.session.finishTask(t)
		defer cancel()
		c.runChat(taskCtx, t, userID, m)
	}()
}

func (c *connection) stop(requestID string) {
	t, ok := c.session.task(requestID)
	if !ok {
		c.log.Debug("stop requested with no matching request", "request_id", requestID)
		return
	}
	c.log.Info("stop requested", "request_id", t.id)
	t.stop()
}

// clientMessage returns the text of err that is safe to show a client.
func clientMessage(err error) string {
	var gwErr *core.GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Message
	}
	return msgInternalError
}
