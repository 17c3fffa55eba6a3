package coordinate

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

type SessionHostSettings struct {
	// empty allows any origin
	AllowedOrigins []string
	AuthTimeout    time.Duration
	WriteTimeout   time.Duration
	// liveness probe interval and how long to wait for the response
	PingInterval   time.Duration
	PingTimeout    time.Duration
	SendBufferSize int
}

func DefaultSessionHostSettings() *SessionHostSettings {
	return &SessionHostSettings{
		AuthTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		PingInterval:   15 * time.Second,
		PingTimeout:    10 * time.Second,
		SendBufferSize: 32,
	}
}

// hosts websocket sessions. each connection gets a read/dispatch loop
// and a write pump; a connection's failure never disturbs other
// connections or their pending broadcasts.
type SessionHost struct {
	ctx    context.Context
	cancel context.CancelFunc

	gatekeeper *Gatekeeper
	rooms      *RoomManager
	pipeline   *ChangePipeline
	broadcast  ConnectionBroadcast

	upgrader websocket.Upgrader

	settings *SessionHostSettings
}

func NewSessionHostWithDefaults(
	ctx context.Context,
	gatekeeper *Gatekeeper,
	rooms *RoomManager,
	pipeline *ChangePipeline,
	broadcast ConnectionBroadcast,
) *SessionHost {
	return NewSessionHost(ctx, gatekeeper, rooms, pipeline, broadcast, DefaultSessionHostSettings())
}

func NewSessionHost(
	ctx context.Context,
	gatekeeper *Gatekeeper,
	rooms *RoomManager,
	pipeline *ChangePipeline,
	broadcast ConnectionBroadcast,
	settings *SessionHostSettings,
) *SessionHost {
	cancelCtx, cancel := context.WithCancel(ctx)
	host := &SessionHost{
		ctx:        cancelCtx,
		cancel:     cancel,
		gatekeeper: gatekeeper,
		rooms:      rooms,
		pipeline:   pipeline,
		broadcast:  broadcast,
		settings:   settings,
	}
	host.upgrader = websocket.Upgrader{
		CheckOrigin: host.checkOrigin,
	}
	return host
}

func (self *SessionHost) checkOrigin(r *http.Request) bool {
	if len(self.settings.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(self.settings.AllowedOrigins, r.Header.Get("Origin"))
}

// http.HandlerFunc for the websocket endpoint
func (self *SessionHost) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[t]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	// the first message must carry the credential.
	// an unauthenticated connection is never admitted.
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	var authMessage ClientMessage
	if err := ws.ReadJSON(&authMessage); err != nil {
		glog.Infof("[t]auth read error = %s\n", err)
		return
	}
	if authMessage.Type != MessageTypeAuth {
		self.writeDirect(ws, newErrorMessage(&ValidationError{Message: "expected auth"}))
		return
	}

	identity, err := self.gatekeeper.Authenticate(self.ctx, authMessage.Credential)
	if err != nil {
		self.writeDirect(ws, newErrorMessage(err))
		return
	}

	connectionId := NewId()
	self.rooms.Admit(connectionId, identity)

	send := make(chan *ServerMessage, self.settings.SendBufferSize)
	self.broadcast.Register(connectionId, send)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	defer func() {
		self.broadcast.Unregister(connectionId)
		self.rooms.Disconnect(self.ctx, connectionId)
	}()

	// write pump with liveness probe
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteJSON(message); err != nil {
					glog.Infof("[ts]%s-> error = %s\n", connectionId, err)
					return
				}
				glog.V(2).Infof("[ts]%s-> %s\n", connectionId, message.Type)
			case <-time.After(self.settings.PingInterval):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// a connection that neither answers pings nor sends anything within
	// the probe window is treated as disconnected
	readDeadline := self.settings.PingInterval + self.settings.PingTimeout
	ws.SetReadDeadline(time.Now().Add(readDeadline))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	// dispatch loop. operations return explicit results; failures are
	// reported to this connection and leave it otherwise intact.
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		var clientMessage ClientMessage
		if err := ws.ReadJSON(&clientMessage); err != nil {
			glog.Infof("[tr]%s<- error = %s\n", connectionId, err)
			return
		}
		ws.SetReadDeadline(time.Now().Add(readDeadline))
		glog.V(2).Infof("[tr]%s<- %s\n", connectionId, clientMessage.Type)

		switch clientMessage.Type {
		case MessageTypeJoin:
			if err := self.rooms.Join(handleCtx, connectionId, clientMessage.DocumentId); err != nil {
				self.broadcast.SendToConnection(self.ctx, connectionId, newErrorMessage(err))
			}
		case MessageTypeSubmitChange:
			if err := self.pipeline.SubmitChange(handleCtx, connectionId, clientMessage.Change); err != nil {
				self.broadcast.SendToConnection(self.ctx, connectionId, newErrorMessage(err))
			}
		default:
			self.broadcast.SendToConnection(
				self.ctx,
				connectionId,
				newErrorMessage(&ValidationError{Message: "unrecognized message type"}),
			)
		}
	}
}

// used before the connection is admitted, when it has no write pump
func (self *SessionHost) writeDirect(ws *websocket.Conn, message *ServerMessage) {
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteJSON(message); err != nil {
		glog.V(2).Infof("[ts]write error = %s\n", err)
	}
}

func (self *SessionHost) Close() {
	self.cancel()
}
