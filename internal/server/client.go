package server

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-meetup/internal/coordinator"
	"github.com/npezzotti/go-meetup/internal/session"
	"github.com/npezzotti/go-meetup/internal/transport"
	"github.com/npezzotti/go-meetup/internal/types"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	leaveTimeout   = 10 * time.Second
)

var (
	errClientClosed = errors.New("client connection closed")
	errSendFull     = errors.New("client send buffer full")
)

type call struct {
	handle *coordinator.Handle
	done   chan struct{}
}

type Client struct {
	conn   *websocket.Conn
	server *Server
	log    zerolog.Logger
	user   types.User
	relay  *transport.RelayClient
	send   chan *ServerMessage

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	calls   map[string]*call
	joining map[string]bool
	watches map[string]context.CancelFunc
	closed  bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewClient(user types.User, conn *websocket.Conn, s *Server, l zerolog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		server:  s,
		log:     l.With().Str("user_id", user.Id).Logger(),
		user:    user,
		send:    make(chan *ServerMessage, 256),
		ctx:     ctx,
		cancel:  cancel,
		calls:   make(map[string]*call),
		joining: make(map[string]bool),
		watches: make(map[string]context.CancelFunc),
		stop:    make(chan struct{}),
	}
	c.relay = transport.NewRelayClient(c)
	return c
}

// SendCommand queues a command for the widget in the browser.
func (c *Client) SendCommand(cmd transport.Command) error {
	select {
	case <-c.stop:
		return errClientClosed
	default:
	}
	if !c.queueMessage(CommandMessage(cmd)) {
		return errSendFull
	}
	return nil
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws read")
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug().Err(err).Msg("error parsing message")
			c.queueMessage(ErrInvalidMessage(0))
			continue
		}
		msg.Timestamp = Now()

		switch {
		case msg.Join != nil:
			c.joinRoom(&msg)
		case msg.Leave != nil:
			c.leaveRoom(&msg)
		case msg.Event != nil:
			c.deliverEvent(&msg)
		case msg.Watch != nil:
			c.watchRoom(&msg)
		case msg.Unwatch != nil:
			c.unwatchRoom(&msg)
		default:
			c.queueMessage(ErrInvalidMessage(msg.Id))
		}
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanup hands every call this connection owned back to the coordinator as
// an unexpected termination.
func (c *Client) cleanup() {
	c.mu.Lock()
	c.closed = true
	calls := c.calls
	c.calls = make(map[string]*call)
	watches := c.watches
	c.watches = make(map[string]context.CancelFunc)
	c.mu.Unlock()

	for roomId, cl := range calls {
		close(cl.done)
		if err := c.server.coord.OnUnexpectedTermination(cl.handle); err != nil {
			c.log.Debug().Err(err).Str("room_id", roomId).Msg("call already released")
		}
	}
	for _, cancel := range watches {
		cancel()
	}

	c.cancel()
	c.stopClient()
	c.wg.Wait()
	c.server.removeClient(c)
}

func active(h *coordinator.Handle) bool {
	st := h.State()
	return st == session.Connecting || st == session.Joined
}

func status(roomId string, h *coordinator.Handle) SessionStatus {
	return SessionStatus{
		RoomId:          roomId,
		State:           h.State().String(),
		DurationSeconds: h.Duration(),
		CallURL:         h.CallURL,
	}
}

func (c *Client) joinRoom(msg *ClientMessage) {
	roomId := msg.Join.RoomId
	if roomId == "" {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	c.mu.Lock()
	if cl, ok := c.calls[roomId]; ok {
		if active(cl.handle) {
			c.mu.Unlock()
			c.queueMessage(NoErrOK(msg.Id, status(roomId, cl.handle)))
			return
		}
		close(cl.done)
		delete(c.calls, roomId)
	}
	if c.joining[roomId] {
		c.mu.Unlock()
		c.queueMessage(NoErrAccepted(msg.Id))
		return
	}
	c.joining[roomId] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		h, err := c.server.coord.JoinRoom(c.ctx, roomId, c.user.Id, c.user.Display(), coordinator.WithTransport(c.relay))

		c.mu.Lock()
		delete(c.joining, roomId)
		if err != nil {
			c.mu.Unlock()
			c.joinFailed(msg.Id, roomId, err)
			return
		}
		if c.closed {
			c.mu.Unlock()
			c.server.coord.OnUnexpectedTermination(h)
			return
		}
		cl := &call{handle: h, done: make(chan struct{})}
		c.calls[roomId] = cl
		c.mu.Unlock()

		c.log.Info().Str("room_id", roomId).Msg("joined call")
		c.queueMessage(NoErrOK(msg.Id, status(roomId, h)))
		c.queueMessage(SessionNotification(status(roomId, h)))

		c.wg.Add(1)
		go c.watchCallErrors(roomId, cl)
	}()
}

func (c *Client) joinFailed(id int, roomId string, err error) {
	switch {
	case errors.Is(err, coordinator.ErrRoomNotFound):
		c.queueMessage(ErrRoomNotFound(id))
	case errors.Is(err, coordinator.ErrNotMember):
		c.queueMessage(ErrForbidden(id))
	case errors.Is(err, coordinator.ErrShutdown):
		c.queueMessage(ErrServiceUnavailable(id))
	case errors.Is(err, coordinator.ErrJoinedElsewhere):
		c.queueMessage(ErrJoinedElsewhere(id))
	default:
		c.log.Warn().Err(err).Str("room_id", roomId).Msg("join failed")
		text := coordinator.UserMessage(err)
		c.queueMessage(ErrCall(id, text))
		c.queueMessage(CallErrorNotification(CallError{
			RoomId:           roomId,
			PermissionDenied: coordinator.IsPermissionDenied(err),
			Message:          text,
		}))
	}
}

// watchCallErrors reports failures of a joined call until the call is left
// or the connection closes.
func (c *Client) watchCallErrors(roomId string, cl *call) {
	defer c.wg.Done()
	for {
		select {
		case err := <-cl.handle.Errors():
			c.log.Warn().Err(err).Str("room_id", roomId).Msg("call failed")
			c.queueMessage(CallErrorNotification(CallError{
				RoomId:           roomId,
				PermissionDenied: coordinator.IsPermissionDenied(err),
				Message:          coordinator.UserMessage(err),
			}))
			c.queueMessage(SessionNotification(status(roomId, cl.handle)))
		case <-cl.done:
			return
		case <-c.stop:
			return
		}
	}
}

func (c *Client) leaveRoom(msg *ClientMessage) {
	roomId := msg.Leave.RoomId
	c.mu.Lock()
	cl, ok := c.calls[roomId]
	if ok {
		delete(c.calls, roomId)
		close(cl.done)
	}
	c.mu.Unlock()

	if !ok {
		c.queueMessage(ErrNotInCall(msg.Id))
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()

		err := c.server.coord.LeaveRoom(ctx, cl.handle)
		if err != nil && !errors.Is(err, coordinator.ErrUnknownHandle) {
			c.log.Error().Err(err).Str("room_id", roomId).Msg("error leaving call")
			c.queueMessage(ErrInternalError(msg.Id))
			return
		}

		c.log.Info().Str("room_id", roomId).Uint64("duration_seconds", cl.handle.Duration()).Msg("left call")
		c.queueMessage(NoErrOK(msg.Id, status(roomId, cl.handle)))
	}()
}

func (c *Client) deliverEvent(msg *ClientMessage) {
	evt, err := msg.Event.toEvent()
	if err != nil {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	if err := c.relay.Deliver(msg.Event.SessionId, evt); err != nil {
		c.log.Debug().Err(err).Str("transport_session_id", msg.Event.SessionId).Msg("dropping widget event")
		if msg.Id != 0 {
			c.queueMessage(ErrUnknownSession(msg.Id))
		}
		return
	}

	if msg.Id != 0 {
		c.queueMessage(NoErrAccepted(msg.Id))
	}
}

func isMember(snap types.MemberSnapshot, userId string) bool {
	has := func(m types.Member) bool { return m.UserId == userId }
	return slices.ContainsFunc(snap.Accepted, has) || slices.ContainsFunc(snap.Absent, has)
}

func (c *Client) watchRoom(msg *ClientMessage) {
	roomId := msg.Watch.RoomId

	c.mu.Lock()
	if _, ok := c.watches[roomId]; ok {
		c.mu.Unlock()
		c.queueMessage(NoErrOK(msg.Id, nil))
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.watches[roomId] = cancel
	c.mu.Unlock()

	fail := func(resp *ServerMessage) {
		cancel()
		c.mu.Lock()
		delete(c.watches, roomId)
		c.mu.Unlock()
		c.queueMessage(resp)
	}

	ch, err := c.server.coord.WatchMembers(ctx, roomId)
	if err != nil {
		if errors.Is(err, coordinator.ErrRoomNotFound) {
			fail(ErrRoomNotFound(msg.Id))
			return
		}
		c.log.Error().Err(err).Str("room_id", roomId).Msg("error watching members")
		fail(ErrInternalError(msg.Id))
		return
	}

	first, ok := <-ch
	if !ok {
		fail(ErrServiceUnavailable(msg.Id))
		return
	}
	if !isMember(first, c.user.Id) {
		fail(ErrForbidden(msg.Id))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, nil))
	c.queueMessage(MembersNotification(first))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for snap := range ch {
			c.queueMessage(MembersNotification(snap))
		}
	}()
}

func (c *Client) unwatchRoom(msg *ClientMessage) {
	c.mu.Lock()
	cancel, ok := c.watches[msg.Unwatch.RoomId]
	delete(c.watches, msg.Unwatch.RoomId)
	c.mu.Unlock()

	if !ok {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}
	cancel()
	c.queueMessage(NoErrOK(msg.Id, nil))
}
