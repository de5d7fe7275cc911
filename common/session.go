package common

import (
	"errors"
	"sync/atomic"

	"github.com/sexfrance/truedriver/log"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"golang.org/x/net/context"
)

// Ensure Session implements the session interface.
var _ session = &Session{}

// Session represents a CDP session to a single target.
type Session struct {
	BaseEventEmitter

	ctx      context.Context
	conn     *Connection
	id       target.SessionID
	targetID target.ID
	msgID    int64
	readCh   chan *cdproto.Message
	done     chan struct{}
	closed   bool
	crashed  bool

	logger *log.Logger
}

// NewSession creates a new session.
func NewSession(
	ctx context.Context, conn *Connection, id target.SessionID, tid target.ID, logger *log.Logger,
) *Session {
	s := Session{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		conn:             conn,
		id:               id,
		targetID:         tid,
		readCh:           make(chan *cdproto.Message),
		done:             make(chan struct{}),
		logger:           logger,
	}
	go s.readLoop()
	return &s
}

func (s *Session) close() {
	if s.closed {
		return
	}

	// Stop the read loop and wake every pending wait.
	close(s.done)
	s.closed = true

	s.emit(EventSessionClosed, nil)
}

func (s *Session) markAsCrashed() {
	s.crashed = true
}

// readLoop decodes messages routed to this session by the connection and
// emits them as typed events.
func (s *Session) readLoop() {
	for {
		select {
		case msg := <-s.readCh:
			ev, err := cdproto.UnmarshalMessage(msg)
			if err != nil {
				if _, ok := err.(cdp.ErrUnknownCommandOrEvent); ok {
					// Either a command response (no method) that Execute is
					// waiting on, or an event cdproto doesn't know about.
					// Emit the raw message so onAll listeners see it.
					s.emit("", msg)
					continue
				}
				s.logger.Errorf("Session:readLoop", "sid:%v %s", s.id, err)
				continue
			}
			s.emit(string(msg.Method), ev)
		case <-s.done:
			return
		}
	}
}

// ID returns the session ID.
func (s *Session) ID() target.SessionID {
	return s.id
}

// TargetID returns the ID of the target attached to this session.
func (s *Session) TargetID() target.ID {
	return s.targetID
}

// Done is closed when the session is detached or the connection closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Execute implements the cdp.Executor interface.
func (s *Session) Execute(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	if s.crashed {
		return ErrTargetCrashed
	}

	id := atomic.AddInt64(&s.msgID, 1)

	// Setup event handler used to block for response to message being sent.
	ch := make(chan *cdproto.Message, 1)
	evCancelCtx, evCancelFn := context.WithCancel(ctx)
	chEvHandler := make(chan Event)
	go func() {
		for {
			select {
			case <-evCancelCtx.Done():
				return
			case ev := <-chEvHandler:
				if msg, ok := ev.data.(*cdproto.Message); ok && msg.ID == id {
					select {
					case <-evCancelCtx.Done():
					case ch <- msg:
						// We expect only one response with the matching message ID,
						// then remove event handler by cancelling context and stopping goroutine.
						evCancelFn()
						return
					}
				}
			}
		}
	}()
	s.onAll(evCancelCtx, chEvHandler)
	defer evCancelFn() // Remove event handler

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}
	msg := &cdproto.Message{
		ID:        id,
		SessionID: s.id,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}
	err := s.conn.send(contextWithDoneChan(ctx, s.done), msg, ch, res)
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// The session closed underneath the in-flight command.
		return ErrConnectionClosed
	}
	return err
}

// ExecuteWithoutExpectationOnReply sends a command without waiting for its
// response.
func (s *Session) ExecuteWithoutExpectationOnReply(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	if s.crashed {
		return ErrTargetCrashed
	}

	id := atomic.AddInt64(&s.msgID, 1)

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}
	msg := &cdproto.Message{
		ID:        id,
		SessionID: s.id,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}
	err := s.conn.send(contextWithDoneChan(ctx, s.done), msg, nil, res)
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return ErrConnectionClosed
	}
	return err
}
