package replicant

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
)

// The wire is a JSON envelope over websocket. Client RPCs carry an ackId and
// the peer replies with an ack envelope holding the response. Broadcasts
// carry no ackId. Rooms multicast one envelope to every member socket, FIFO
// per socket.

const EventAck = "ack"

type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	AckId   *int64          `json:"ackId,omitempty"`
	// Error is set on ack envelopes when the request failed outright.
	Error string `json:"error,omitempty"`
}

func newEnvelope(event string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Event:   event,
		Payload: raw,
	}, nil
}

type TransportServerSettings struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingTimeout    time.Duration
	SendBufferSize int
}

func DefaultTransportServerSettings() *TransportServerSettings {
	return &TransportServerSettings{
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    30 * time.Second,
		PingTimeout:    10 * time.Second,
		SendBufferSize: 32,
	}
}

// HandlerFunc processes one client RPC. The returned value is marshaled into
// the ack envelope when the request carried an ackId.
type HandlerFunc func(socket *Socket, payload json.RawMessage) (any, error)

// TransportServer upgrades websocket connections and dispatches envelopes to
// registered event handlers. Handlers for one socket run on that socket's
// reader goroutine, so per socket request order is preserved.
type TransportServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	auth     AuthCallback
	settings *TransportServerSettings

	upgrader websocket.Upgrader

	handlersMutex sync.Mutex
	handlers      map[string]HandlerFunc

	stateMutex sync.Mutex
	sockets    map[Id]*Socket
	rooms      map[string]map[Id]*Socket
}

func NewTransportServerWithDefaults(ctx context.Context, auth AuthCallback) *TransportServer {
	return NewTransportServer(ctx, auth, DefaultTransportServerSettings())
}

func NewTransportServer(ctx context.Context, auth AuthCallback, settings *TransportServerSettings) *TransportServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &TransportServer{
		ctx:      cancelCtx,
		cancel:   cancel,
		auth:     auth,
		settings: settings,
		upgrader: websocket.Upgrader{
			// auth gates events, not origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		handlers: map[string]HandlerFunc{},
		sockets:  map[Id]*Socket{},
		rooms:    map[string]map[Id]*Socket{},
	}
}

func (self *TransportServer) Handle(event string, handler HandlerFunc) {
	self.handlersMutex.Lock()
	defer self.handlersMutex.Unlock()
	self.handlers[event] = handler
}

func (self *TransportServer) handler(event string) HandlerFunc {
	self.handlersMutex.Lock()
	defer self.handlersMutex.Unlock()
	return self.handlers[event]
}

// ServeHTTP upgrades the connection and runs the socket until either side
// closes.
func (self *TransportServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[t]upgrade error = %s\n", err)
		return
	}

	socket := newSocket(self, ws, r.URL.Query().Get("token"))
	if self.auth != nil && !self.auth(EventConnection, socket) {
		glog.Infof("[t]%s connection denied\n", socket.SocketId())
		ws.Close()
		return
	}

	self.stateMutex.Lock()
	self.sockets[socket.socketId] = socket
	self.stateMutex.Unlock()

	glog.V(2).Infof("[t]%s connected\n", socket.SocketId())
	socket.run()
}

func (self *TransportServer) remove(socket *Socket) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	delete(self.sockets, socket.socketId)
	for room, members := range self.rooms {
		delete(members, socket.socketId)
		if len(members) == 0 {
			delete(self.rooms, room)
		}
	}
}

// Join adds the socket to a room. Sockets join no rooms by default.
func (self *TransportServer) Join(socket *Socket, room string) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	members, ok := self.rooms[room]
	if !ok {
		members = map[Id]*Socket{}
		self.rooms[room] = members
	}
	members[socket.socketId] = socket
}

func (self *TransportServer) Leave(socket *Socket, room string) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	if members, ok := self.rooms[room]; ok {
		delete(members, socket.socketId)
		if len(members) == 0 {
			delete(self.rooms, room)
		}
	}
}

// Broadcast emits the envelope to every room member except exclude.
func (self *TransportServer) Broadcast(room string, event string, payload any, exclude *Socket) {
	envelope, err := newEnvelope(event, payload)
	if err != nil {
		glog.Infof("[t]broadcast marshal error = %s\n", err)
		return
	}

	self.stateMutex.Lock()
	members := maps.Values(self.rooms[room])
	self.stateMutex.Unlock()

	for _, socket := range members {
		if socket == exclude {
			continue
		}
		socket.emit(envelope)
	}
}

func (self *TransportServer) Close() {
	self.cancel()

	self.stateMutex.Lock()
	sockets := maps.Values(self.sockets)
	self.stateMutex.Unlock()

	for _, socket := range sockets {
		socket.Close()
	}
}

// Socket is one connected client. Writes funnel through a single writer
// goroutine so envelope order per socket is the enqueue order.
type Socket struct {
	transport *TransportServer

	socketId Id
	token    string

	// ClientId is set by the auth callback when the token verifies.
	clientIdMutex sync.Mutex
	clientId      Id

	ctx    context.Context
	cancel context.CancelFunc

	ws   *websocket.Conn
	send chan *Envelope
}

func newSocket(transport *TransportServer, ws *websocket.Conn, token string) *Socket {
	cancelCtx, cancel := context.WithCancel(transport.ctx)
	return &Socket{
		transport: transport,
		socketId:  NewId(),
		token:     token,
		ctx:       cancelCtx,
		cancel:    cancel,
		ws:        ws,
		send:      make(chan *Envelope, transport.settings.SendBufferSize),
	}
}

func (self *Socket) SocketId() Id {
	return self.socketId
}

func (self *Socket) Token() string {
	return self.token
}

func (self *Socket) ClientId() Id {
	self.clientIdMutex.Lock()
	defer self.clientIdMutex.Unlock()
	return self.clientId
}

func (self *Socket) SetClientId(clientId Id) {
	self.clientIdMutex.Lock()
	defer self.clientIdMutex.Unlock()
	self.clientId = clientId
}

func (self *Socket) emit(envelope *Envelope) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.send <- envelope:
		return true
	default:
		// backpressure. the peer reconciles via re-declare on reconnect.
		glog.Infof("[t]%s send buffer full, dropping\n", self.socketId)
		self.cancel()
		return false
	}
}

func (self *Socket) Emit(event string, payload any) bool {
	envelope, err := newEnvelope(event, payload)
	if err != nil {
		return false
	}
	return self.emit(envelope)
}

func (self *Socket) Close() {
	self.cancel()
}

func (self *Socket) run() {
	defer func() {
		self.cancel()
		self.ws.Close()
		self.transport.remove(self)
		glog.V(2).Infof("[t]%s disconnected\n", self.socketId)
	}()

	settings := self.transport.settings

	go func() {
		defer self.cancel()

		for {
			select {
			case <-self.ctx.Done():
				return
			case envelope := <-self.send:
				message, err := json.Marshal(envelope)
				if err != nil {
					glog.Infof("[ts]%s marshal error = %s\n", self.socketId, err)
					continue
				}
				self.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
					glog.Infof("[ts]%s-> error = %s\n", self.socketId, err)
					return
				}
				glog.V(2).Infof("[ts]%s-> %s\n", self.socketId, envelope.Event)
			case <-time.After(settings.PingTimeout):
				self.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	self.ws.SetPongHandler(func(string) error {
		self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		return nil
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		_, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[tr]%s<- error = %s\n", self.socketId, err)
			return
		}

		var envelope Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			glog.Infof("[tr]%s<- bad envelope = %s\n", self.socketId, err)
			continue
		}
		glog.V(2).Infof("[tr]%s<- %s\n", self.socketId, envelope.Event)

		// a denied event is treated as if it were never received
		if self.transport.auth != nil && !self.transport.auth(envelope.Event, self) {
			glog.Infof("[tr]%s<- %s denied\n", self.socketId, envelope.Event)
			continue
		}

		handler := self.transport.handler(envelope.Event)
		if handler == nil {
			self.ackError(&envelope, "unknown event")
			continue
		}

		result, err := handler(self, envelope.Payload)
		if err != nil {
			self.ackError(&envelope, err.Error())
			continue
		}
		if envelope.AckId != nil {
			raw, err := json.Marshal(result)
			if err != nil {
				self.ackError(&envelope, err.Error())
				continue
			}
			self.emit(&Envelope{
				Event:   EventAck,
				Payload: raw,
				AckId:   envelope.AckId,
			})
		}
	}
}

func (self *Socket) ackError(request *Envelope, message string) {
	if request.AckId == nil {
		return
	}
	self.emit(&Envelope{
		Event: EventAck,
		AckId: request.AckId,
		Error: message,
	})
}
