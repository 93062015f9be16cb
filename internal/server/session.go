package server

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/DCsunset/clip-share/internal/protocol"
)

const closeWriteTimeout = 5 * time.Second

// session owns one physical connection. The identity is empty until the
// handshake completes; only the owning reader goroutine sets it.
type session struct {
	id       string
	conn     *websocket.Conn
	log      *zap.Logger
	identity string
	name     string

	sendCh chan protocol.Message
	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(conn *websocket.Conn, log *zap.Logger, sendBufferSize int) *session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &session{
		id:     id,
		conn:   conn,
		log:    log.With(zap.String("socket_id", id)),
		sendCh: make(chan protocol.Message, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *session) authenticated() bool {
	return s.identity != ""
}

// Push queues an outbound message without blocking. A peer too slow to
// drain its send buffer is disconnected rather than stalling the relay.
func (s *session) Push(msg protocol.Message) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.sendCh <- msg:
		return nil
	default:
		s.log.Warn("send buffer full, dropping session")
		s.cancel()
		return protocol.NewFatalError(protocol.CodeInternalError, nil)
	}
}

// Close tears the session down; the sender goroutine flushes queued
// frames and closes the underlying connection.
func (s *session) Close() {
	s.cancel()
}

// sender is the only goroutine that writes to the connection.
func (s *session) sender() {
	defer s.conn.Close()
	for {
		select {
		case msg := <-s.sendCh:
			if err := s.conn.WriteJSON(msg); err != nil {
				s.log.Debug("write failed", zap.Error(err))
				s.cancel()
				return
			}
		case <-s.ctx.Done():
			s.flush()
			return
		}
	}
}

// flush writes frames that were queued before cancellation (an error
// frame explaining a fatal close must still reach the peer), then sends
// the close frame.
func (s *session) flush() {
	for {
		select {
		case msg := <-s.sendCh:
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
		default:
			deadline := time.Now().Add(closeWriteTimeout)
			_ = s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				deadline,
			)
			return
		}
	}
}
