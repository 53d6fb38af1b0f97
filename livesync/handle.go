package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// ConnectionHandle wraps the single push connection for a process.
// It owns auth attachment, connect/disconnect, typed emit with server ack,
// and the subscriber registry for server-pushed events.
// The handle never retries on its own. Retry policy belongs to the
// controller; the handle only reports state changes.

var ErrConnectTimeout = errors.New("connect acknowledgment timeout")
var ErrEmitAckTimeout = errors.New("emit acknowledgment timeout")
var ErrNotConnected = errors.New("not connected")

type ConnectionState string

const (
	ConnectionStateIdle         ConnectionState = "idle"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateError        ConnectionState = "error"
)

type EventFunction = func(payload json.RawMessage)

type StateChangeFunction = func(state ConnectionState)

type ConnectionHandleSettings struct {
	WsHandshakeTimeout time.Duration
	ConnectAckTimeout  time.Duration
	EmitAckTimeout     time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
}

func DefaultConnectionHandleSettings() *ConnectionHandleSettings {
	return &ConnectionHandleSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ConnectAckTimeout:  10 * time.Second,
		EmitAckTimeout:     10 * time.Second,
		PingTimeout:        10 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
		SendBufferSize:     8,
	}
}

// one live websocket plus the pumps that own it
type handleConn struct {
	ctx    context.Context
	cancel context.CancelFunc
	ws     *websocket.Conn
	send   chan *frame
}

type ConnectionHandle struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectUrl string
	settings   *ConnectionHandleSettings

	stateLock     sync.Mutex
	state         ConnectionState
	token         string
	conn          *handleConn
	nextRequestId uint64
	acks          map[uint64]chan *frame

	eventCallbacksLock sync.Mutex
	eventCallbacks     map[string]*CallbackList[EventFunction]

	stateChangeCallbacks *CallbackList[StateChangeFunction]
}

func NewConnectionHandleWithDefaults(ctx context.Context, connectUrl string) *ConnectionHandle {
	return NewConnectionHandle(ctx, connectUrl, DefaultConnectionHandleSettings())
}

func NewConnectionHandle(ctx context.Context, connectUrl string, settings *ConnectionHandleSettings) *ConnectionHandle {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConnectionHandle{
		ctx:                  cancelCtx,
		cancel:               cancel,
		connectUrl:           connectUrl,
		settings:             settings,
		state:                ConnectionStateIdle,
		acks:                 map[uint64]chan *frame{},
		eventCallbacks:       map[string]*CallbackList[EventFunction]{},
		stateChangeCallbacks: NewCallbackList[StateChangeFunction](),
	}
}

func (self *ConnectionHandle) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *ConnectionHandle) IsConnected() bool {
	return self.State() == ConnectionStateConnected
}

// the token applies on the next connect. If currently connected, the live
// auth context is updated best effort without forcing a reconnect.
func (self *ConnectionHandle) SetToken(token string) {
	self.stateLock.Lock()
	self.token = token
	connected := self.state == ConnectionStateConnected
	self.stateLock.Unlock()

	if connected {
		go func() {
			emitCtx, emitCancel := context.WithTimeout(self.ctx, self.settings.EmitAckTimeout)
			defer emitCancel()
			if err := self.Emit(emitCtx, EventAuthRefresh, &authPayload{Token: bearer(token)}); err != nil {
				glog.Infof("[h]auth refresh error = %s\n", err)
			}
		}()
	}
}

func (self *ConnectionHandle) AddStateChangeCallback(stateChangeCallback StateChangeFunction) func() {
	callbackId := self.stateChangeCallbacks.Add(stateChangeCallback)
	return func() {
		self.stateChangeCallbacks.Remove(callbackId)
	}
}

// subscribe to a server-pushed event. The returned function removes
// exactly this subscription.
func (self *ConnectionHandle) On(eventName string, callback EventFunction) func() {
	self.eventCallbacksLock.Lock()
	callbacks, ok := self.eventCallbacks[eventName]
	if !ok {
		callbacks = NewCallbackList[EventFunction]()
		self.eventCallbacks[eventName] = callbacks
	}
	self.eventCallbacksLock.Unlock()

	callbackId := callbacks.Add(callback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

// subscribe for a single delivery
func (self *ConnectionHandle) Once(eventName string, callback EventFunction) func() {
	var removeLock sync.Mutex
	var remove func()
	removed := false

	removeOnce := func() {
		removeLock.Lock()
		defer removeLock.Unlock()
		if !removed {
			removed = true
			remove()
		}
	}

	removeLock.Lock()
	remove = self.On(eventName, func(payload json.RawMessage) {
		removeOnce()
		callback(payload)
	})
	removeLock.Unlock()

	return removeOnce
}

// remove all subscribers for the event
func (self *ConnectionHandle) Off(eventName string) {
	self.eventCallbacksLock.Lock()
	callbacks, ok := self.eventCallbacks[eventName]
	self.eventCallbacksLock.Unlock()

	if ok {
		callbacks.RemoveAll()
	}
}

// no-op when already connected or a connect is in flight.
// Establishes the websocket, sends the auth frame with the current token,
// and waits for the server acknowledgment within the connect ack bound.
func (self *ConnectionHandle) Connect(ctx context.Context) error {
	self.stateLock.Lock()
	switch self.state {
	case ConnectionStateConnected, ConnectionStateConnecting:
		self.stateLock.Unlock()
		return nil
	}
	self.state = ConnectionStateConnecting
	token := self.token
	self.stateLock.Unlock()
	self.notifyStateChange(ConnectionStateConnecting)

	ws, err := self.dialAndAuth(ctx, token)
	if err != nil {
		self.stateLock.Lock()
		if self.state == ConnectionStateConnecting {
			self.state = ConnectionStateError
		}
		self.stateLock.Unlock()
		self.notifyStateChange(ConnectionStateError)
		glog.Infof("[h]connect error = %s\n", err)
		return err
	}

	connCtx, connCancel := context.WithCancel(self.ctx)
	conn := &handleConn{
		ctx:    connCtx,
		cancel: connCancel,
		ws:     ws,
		send:   make(chan *frame, self.settings.SendBufferSize),
	}

	self.stateLock.Lock()
	if self.state != ConnectionStateConnecting {
		// disconnected while the attempt was in flight
		self.stateLock.Unlock()
		connCancel()
		ws.Close()
		return ErrNotConnected
	}
	self.state = ConnectionStateConnected
	self.conn = conn
	self.stateLock.Unlock()

	go self.writePump(conn)
	go self.readPump(conn)

	self.notifyStateChange(ConnectionStateConnected)
	glog.V(2).Infof("[h]connected %s\n", self.connectUrl)
	return nil
}

func (self *ConnectionHandle) dialAndAuth(ctx context.Context, token string) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, self.connectUrl, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	authBytes, err := json.Marshal(&authPayload{Token: bearer(token)})
	if err != nil {
		return nil, err
	}
	authFrame := &frame{
		Type:    frameTypeAuth,
		Payload: authBytes,
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteJSON(authFrame); err != nil {
		return nil, err
	}

	ws.SetReadDeadline(time.Now().Add(self.settings.ConnectAckTimeout))
	var ackFrame frame
	if err := ws.ReadJSON(&ackFrame); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, ErrConnectTimeout
		}
		return nil, err
	}
	if ackFrame.Type != frameTypeAck {
		return nil, fmt.Errorf("auth response error: %s", ackFrame.Type)
	}
	if ackFrame.Error != "" {
		return nil, fmt.Errorf("auth error: %s", ackFrame.Error)
	}

	success = true
	return ws, nil
}

// idempotent. Tears down the connection if any, clears all event
// subscriptions, and resets the state to disconnected.
func (self *ConnectionHandle) Disconnect() {
	self.stateLock.Lock()
	conn := self.conn
	self.conn = nil
	previousState := self.state
	self.state = ConnectionStateDisconnected
	self.acks = map[uint64]chan *frame{}
	self.stateLock.Unlock()

	self.eventCallbacksLock.Lock()
	for _, callbacks := range self.eventCallbacks {
		callbacks.RemoveAll()
	}
	self.eventCallbacksLock.Unlock()

	if conn != nil {
		conn.cancel()
		conn.ws.Close()
	}

	if previousState != ConnectionStateDisconnected {
		self.notifyStateChange(ConnectionStateDisconnected)
	}
}

// close the handle permanently
func (self *ConnectionHandle) Close() {
	self.Disconnect()
	self.cancel()
}

// send an event and wait for the server acknowledgment.
// An ack carrying an error payload rejects; any other ack resolves.
func (self *ConnectionHandle) Emit(ctx context.Context, eventName string, payload any) error {
	var payloadBytes json.RawMessage
	if payload != nil {
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	self.stateLock.Lock()
	if self.state != ConnectionStateConnected || self.conn == nil {
		self.stateLock.Unlock()
		return ErrNotConnected
	}
	conn := self.conn
	self.nextRequestId += 1
	requestId := self.nextRequestId
	ack := make(chan *frame, 1)
	self.acks[requestId] = ack
	self.stateLock.Unlock()

	removeAck := func() {
		self.stateLock.Lock()
		delete(self.acks, requestId)
		self.stateLock.Unlock()
	}

	emitFrame := &frame{
		Type:      frameTypeEmit,
		Event:     eventName,
		RequestId: requestId,
		Payload:   payloadBytes,
	}

	select {
	case conn.send <- emitFrame:
	case <-conn.ctx.Done():
		removeAck()
		return ErrNotConnected
	case <-ctx.Done():
		removeAck()
		return ctx.Err()
	}

	select {
	case ackFrame := <-ack:
		if ackFrame.Error != "" {
			return fmt.Errorf("emit %s error: %s", eventName, ackFrame.Error)
		}
		return nil
	case <-conn.ctx.Done():
		removeAck()
		return ErrNotConnected
	case <-ctx.Done():
		removeAck()
		return ctx.Err()
	case <-time.After(self.settings.EmitAckTimeout):
		removeAck()
		return fmt.Errorf("emit %s: %w", eventName, ErrEmitAckTimeout)
	}
}

func (self *ConnectionHandle) writePump(conn *handleConn) {
	defer conn.cancel()

	for {
		select {
		case <-conn.ctx.Done():
			return
		case sendFrame, ok := <-conn.send:
			if !ok {
				return
			}
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.ws.WriteJSON(sendFrame); err != nil {
				// a websocket write deadline cannot be recovered
				glog.Infof("[h]-> error = %s\n", err)
				return
			}
			glog.V(2).Infof("[h]-> %s\n", sendFrame.Type)
		case <-time.After(self.settings.PingTimeout):
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (self *ConnectionHandle) readPump(conn *handleConn) {
	defer self.teardownConn(conn)

	conn.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		select {
		case <-conn.ctx.Done():
			return
		default:
		}

		var receiveFrame frame
		if err := conn.ws.ReadJSON(&receiveFrame); err != nil {
			glog.Infof("[h]<- error = %s\n", err)
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))

		switch receiveFrame.Type {
		case frameTypeAck:
			self.stateLock.Lock()
			ack, ok := self.acks[receiveFrame.RequestId]
			delete(self.acks, receiveFrame.RequestId)
			self.stateLock.Unlock()
			if ok {
				ack <- &receiveFrame
			}
			glog.V(2).Infof("[h]<- ack %d\n", receiveFrame.RequestId)
		case frameTypeEvent:
			self.dispatchEvent(receiveFrame.Event, receiveFrame.Payload)
			glog.V(2).Infof("[h]<- event %s\n", receiveFrame.Event)
		default:
			glog.V(2).Infof("[h]<- other %s\n", receiveFrame.Type)
		}
	}
}

// an async teardown from a read error. Listeners observe the disconnected
// state; the handle does not retry.
func (self *ConnectionHandle) teardownConn(conn *handleConn) {
	self.stateLock.Lock()
	if self.conn != conn {
		// a newer connection owns the state
		self.stateLock.Unlock()
		conn.cancel()
		conn.ws.Close()
		return
	}
	self.conn = nil
	self.state = ConnectionStateDisconnected
	self.acks = map[uint64]chan *frame{}
	self.stateLock.Unlock()

	conn.cancel()
	conn.ws.Close()

	self.notifyStateChange(ConnectionStateDisconnected)
}

func (self *ConnectionHandle) dispatchEvent(eventName string, payload json.RawMessage) {
	self.eventCallbacksLock.Lock()
	callbacks, ok := self.eventCallbacks[eventName]
	self.eventCallbacksLock.Unlock()
	if !ok {
		return
	}
	for _, callback := range callbacks.Get() {
		callback(payload)
	}
}

func (self *ConnectionHandle) notifyStateChange(state ConnectionState) {
	for _, stateChangeCallback := range self.stateChangeCallbacks.Get() {
		stateChangeCallback(state)
	}
}

func bearer(token string) string {
	return fmt.Sprintf("Bearer %s", token)
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
