package replicant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
)

type ClientConnectionSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	CallTimeout        time.Duration
	SendBufferSize     int
}

func DefaultClientConnectionSettings() *ClientConnectionSettings {
	return &ClientConnectionSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        10 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
		CallTimeout:        10 * time.Second,
		SendBufferSize:     32,
	}
}

// ClientConnection maintains one websocket to the server with reconnect.
// Replicant handles created on the connection declare on connect and
// re-declare after every reconnect, replaying their buffered operations in
// one fresh proposal.
type ClientConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	url   string
	token string

	settings *ClientConnectionSettings

	clientId Id

	lastAckId atomic.Int64

	acksMutex sync.Mutex
	acks      map[int64]chan *Envelope

	sendMutex sync.Mutex
	send      chan *Envelope
	sendCtx   context.Context

	replicantsMutex sync.Mutex
	replicants      map[string]map[string]*ClientReplicant
}

func NewClientConnectionWithDefaults(ctx context.Context, serverUrl string, token string) *ClientConnection {
	return NewClientConnection(ctx, serverUrl, token, DefaultClientConnectionSettings())
}

func NewClientConnection(ctx context.Context, serverUrl string, token string, settings *ClientConnectionSettings) *ClientConnection {
	cancelCtx, cancel := context.WithCancel(ctx)
	conn := &ClientConnection{
		ctx:        cancelCtx,
		cancel:     cancel,
		url:        serverUrl,
		token:      token,
		settings:   settings,
		clientId:   NewId(),
		acks:       map[int64]chan *Envelope{},
		replicants: map[string]map[string]*ClientReplicant{},
	}
	go conn.run()
	return conn
}

func (self *ClientConnection) ClientId() Id {
	return self.clientId
}

// Replicant returns the handle for (name, namespace), creating it on first
// use. The handle starts undeclared with the provisional default visible to
// reads; the declaration handshake runs as soon as the connection is up.
func (self *ClientConnection) Replicant(name string, namespace string, opts *Options) *ClientReplicant {
	if opts == nil {
		opts = &Options{}
	}

	self.replicantsMutex.Lock()
	byName, ok := self.replicants[namespace]
	if !ok {
		byName = map[string]*ClientReplicant{}
		self.replicants[namespace] = byName
	}
	if replicant, ok := byName[name]; ok {
		self.replicantsMutex.Unlock()
		return replicant
	}
	replicant := newClientReplicant(self, name, namespace, opts)
	byName[name] = replicant
	self.replicantsMutex.Unlock()

	go replicant.declare()
	return replicant
}

func (self *ClientConnection) replicant(name string, namespace string) *ClientReplicant {
	self.replicantsMutex.Lock()
	defer self.replicantsMutex.Unlock()
	return self.replicants[namespace][name]
}

func (self *ClientConnection) allReplicants() []*ClientReplicant {
	self.replicantsMutex.Lock()
	defer self.replicantsMutex.Unlock()
	out := []*ClientReplicant{}
	for _, byName := range self.replicants {
		out = append(out, maps.Values(byName)...)
	}
	return out
}

func (self *ClientConnection) Close() {
	self.cancel()
}

func (self *ClientConnection) run() {
	defer self.cancel()

	wsUrl := self.url
	if self.token != "" {
		wsUrl = fmt.Sprintf("%s?token=%s", self.url, url.QueryEscape(self.token))
	}

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		dialer := websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, wsUrl, nil)
		if err != nil {
			glog.Infof("[c]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}
		glog.V(2).Infof("[c]%s connected\n", self.clientId)

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			send := make(chan *Envelope, self.settings.SendBufferSize)
			self.sendMutex.Lock()
			self.send = send
			self.sendCtx = handleCtx
			self.sendMutex.Unlock()
			defer func() {
				self.sendMutex.Lock()
				self.send = nil
				self.sendCtx = nil
				self.sendMutex.Unlock()
			}()

			for _, replicant := range self.allReplicants() {
				go replicant.declare()
			}

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case envelope := <-send:
						message, err := json.Marshal(envelope)
						if err != nil {
							continue
						}
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							glog.Infof("[cs]%s-> error = %s\n", self.clientId, err)
							return
						}
						glog.V(2).Infof("[cs]%s-> %s\n", self.clientId, envelope.Event)
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
							return
						}
					}
				}
			}()

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			ws.SetPongHandler(func(string) error {
				ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
				return nil
			})

			for {
				select {
				case <-handleCtx.Done():
					return
				default:
				}

				ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
				_, message, err := ws.ReadMessage()
				if err != nil {
					glog.V(2).Infof("[cr]%s<- error = %s\n", self.clientId, err)
					return
				}

				var envelope Envelope
				if err := json.Unmarshal(message, &envelope); err != nil {
					glog.Infof("[cr]%s<- bad envelope = %s\n", self.clientId, err)
					continue
				}
				glog.V(2).Infof("[cr]%s<- %s\n", self.clientId, envelope.Event)
				self.dispatch(&envelope)
			}
		}
		c()

		self.handleDisconnect()

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *ClientConnection) dispatch(envelope *Envelope) {
	switch envelope.Event {
	case EventAck:
		if envelope.AckId == nil {
			return
		}
		self.acksMutex.Lock()
		ch, ok := self.acks[*envelope.AckId]
		delete(self.acks, *envelope.AckId)
		self.acksMutex.Unlock()
		if ok {
			ch <- envelope
		}
	case EventOperations:
		var broadcast OperationsBroadcast
		if err := json.Unmarshal(envelope.Payload, &broadcast); err != nil {
			glog.Infof("[cr]bad operations broadcast = %s\n", err)
			return
		}
		replicant := self.replicant(broadcast.Name, broadcast.Namespace)
		if replicant == nil {
			// no local handle, nothing to apply to
			glog.V(2).Infof("[cr]operations for unknown %s/%s\n", broadcast.Namespace, broadcast.Name)
			return
		}
		replicant.handleOperations(&broadcast)
	}
}

// handleDisconnect treats outstanding unacknowledged proposals as rejected
// and returns every replicant to undeclared for the re-declare on reconnect.
func (self *ClientConnection) handleDisconnect() {
	self.acksMutex.Lock()
	acks := self.acks
	self.acks = map[int64]chan *Envelope{}
	self.acksMutex.Unlock()
	for _, ch := range acks {
		close(ch)
	}

	for _, replicant := range self.allReplicants() {
		replicant.markDisconnected()
	}
}

// call sends a request envelope and waits for the ack.
func (self *ClientConnection) call(event string, payload any) (json.RawMessage, error) {
	envelope, err := newEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	ackId := self.lastAckId.Add(1)
	envelope.AckId = &ackId

	ch := make(chan *Envelope, 1)
	self.acksMutex.Lock()
	self.acks[ackId] = ch
	self.acksMutex.Unlock()

	cleanup := func() {
		self.acksMutex.Lock()
		delete(self.acks, ackId)
		self.acksMutex.Unlock()
	}

	self.sendMutex.Lock()
	send := self.send
	sendCtx := self.sendCtx
	self.sendMutex.Unlock()
	if send == nil {
		cleanup()
		return nil, ErrClosed
	}

	select {
	case send <- envelope:
	case <-sendCtx.Done():
		cleanup()
		return nil, ErrClosed
	case <-time.After(self.settings.WriteTimeout):
		cleanup()
		return nil, fmt.Errorf("send buffer full")
	}

	select {
	case response, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if response.Error != "" {
			return nil, fmt.Errorf("%s", response.Error)
		}
		return response.Payload, nil
	case <-sendCtx.Done():
		cleanup()
		return nil, ErrClosed
	case <-time.After(self.settings.CallTimeout):
		cleanup()
		return nil, fmt.Errorf("call timeout: %s", event)
	}
}
