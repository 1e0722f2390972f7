// ABOUTME: WebSocket transport: one reader dispatching client events and one writer draining a bounded queue
// ABOUTME: Implements registry.Peer; a client that falls behind its queue is disconnected

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/support-broker/internal/broker"
	"github.com/2389/support-broker/internal/registry"
)

// ackEvent names the frame answering a client event.
const ackEvent = "ack"

var (
	errSlowConsumer = errors.New("outbound queue full")
	errSocketClosed = errors.New("socket closed")
)

// inboundFrame is a client event. ID is echoed verbatim on the ack.
type inboundFrame struct {
	Event string          `json:"event"`
	ID    json.RawMessage `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outboundFrame is an ack or a broker event.
type outboundFrame struct {
	Event string          `json:"event"`
	ID    json.RawMessage `json:"id,omitempty"`
	Data  any             `json:"data"`
}

// socket is one connected client.
type socket struct {
	id           string
	conn         *websocket.Conn
	send         chan outboundFrame
	ctx          context.Context
	cancel       context.CancelFunc
	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger

	closeOnce   sync.Once
	closeStatus websocket.StatusCode
	closeReason string
}

func newSocket(parent context.Context, conn *websocket.Conn, bufferSize int, pingInterval, writeTimeout time.Duration, logger *slog.Logger) *socket {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &socket{
		id:           id,
		conn:         conn,
		send:         make(chan outboundFrame, bufferSize),
		ctx:          ctx,
		cancel:       cancel,
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		logger:       logger.With("socket_id", id),
		closeStatus:  websocket.StatusNormalClosure,
	}
}

// Deliver implements registry.Peer. It never blocks.
func (s *socket) Deliver(event string, payload any) error {
	return s.enqueue(outboundFrame{Event: event, Data: payload})
}

func (s *socket) enqueue(f outboundFrame) error {
	if s.ctx.Err() != nil {
		return errSocketClosed
	}
	select {
	case s.send <- f:
		return nil
	default:
		s.shutdown(websocket.StatusPolicyViolation, "slow consumer")
		return errSlowConsumer
	}
}

// shutdown stops both pumps; the handler closes the connection with the
// first recorded status.
func (s *socket) shutdown(status websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.closeStatus = status
		s.closeReason = reason
		s.cancel()
	})
}

// run starts the writer and reads until the client leaves or the socket is
// shut down.
func (s *socket) run(dispatch func(ctx context.Context, event string, data json.RawMessage) broker.Ack) {
	var wg sync.WaitGroup
	wg.Go(s.writePump)

	s.readPump(dispatch)
	s.shutdown(websocket.StatusNormalClosure, "")
	wg.Wait()

	_ = s.conn.Close(s.closeStatus, s.closeReason)
}

func (s *socket) readPump(dispatch func(ctx context.Context, event string, data json.RawMessage) broker.Ack) {
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && s.ctx.Err() == nil {
				s.logger.Debug("read failed", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			_ = s.enqueue(outboundFrame{Event: ackEvent, Data: broker.Fail(broker.ErrInvalidRequest)})
			continue
		}

		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			_ = s.enqueue(outboundFrame{Event: ackEvent, Data: broker.Fail(broker.ErrInvalidRequest)})
			continue
		}

		ack := dispatch(s.ctx, in.Event, in.Data)
		if err := s.enqueue(outboundFrame{Event: ackEvent, ID: in.ID, Data: ack}); err != nil {
			return
		}
	}
}

func (s *socket) writePump() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.send:
			ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
			err := wsjson.Write(ctx, s.conn, f)
			cancel()
			if err != nil {
				s.logger.Debug("write failed", "event", f.Event, "error", err)
				s.shutdown(websocket.StatusGoingAway, "write failed")
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				s.logger.Debug("ping failed", "error", err)
				s.shutdown(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

// handleWebSocket authenticates, upgrades and serves one client connection.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, err := g.auth.Authenticate(r)
	if err != nil {
		g.logger.Debug("websocket authentication failed", "remote", r.RemoteAddr, "error", err)
		g.sendJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(g.config.Server.AllowedOrigins),
	})
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(g.config.WebSocket.ReadLimit)

	g.sockets.Add(1)
	defer g.sockets.Done()

	s := newSocket(g.connCtx, conn,
		g.config.Broker.SendBuffer,
		g.config.WebSocket.PingInterval,
		g.config.WebSocket.WriteTimeout,
		g.logger,
	)
	g.serveSocket(s, id)
}

// serveSocket binds s to the broker for its lifetime.
func (g *Gateway) serveSocket(s *socket, id registry.Identity) {
	g.broker.Connect(s.id, id, s)
	defer g.broker.Disconnect(s.id)

	s.logger.Info("socket connected", "user_id", id.UserID, "role", id.Role)
	s.run(func(ctx context.Context, event string, data json.RawMessage) broker.Ack {
		return g.broker.Dispatch(ctx, s.id, event, data)
	})
	s.logger.Info("socket disconnected", "user_id", id.UserID, "reason", s.closeReason)
}
