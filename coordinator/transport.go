package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const TransportBufferSize = 8

// Transport is a reconnecting duplex message channel to one server
// endpoint. One physical connection per endpoint, shared by every
// coordinator targeting that endpoint.
type Transport interface {
	// queues a frame. false when the transport is closed or the
	// buffer is full
	Send(frame []byte) bool
	// invoked on every (re)connect
	AddOpenCallback(openCallback func()) func()
	AddMessageCallback(messageCallback func(frame []byte)) func()
	// invoked once, on explicit close
	AddCloseCallback(closeCallback func(code int, reason string)) func()
	IsOpen() bool
	Close(reason string)
}

type TransportSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
	}
}

// (ctx) -> connect url. called before every dial so short-lived
// tokens stay fresh
type UrlProviderFunc func(ctx context.Context) (string, error)

type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	urlProvider UrlProviderFunc
	settings    *TransportSettings

	send chan []byte

	stateLock sync.Mutex
	ws        *websocket.Conn
	closed    bool

	openCallbacks    callbackList[func()]
	messageCallbacks callbackList[func(frame []byte)]
	closeCallbacks   callbackList[func(code int, reason string)]
}

func NewWsTransportWithDefaults(ctx context.Context, urlProvider UrlProviderFunc) *WsTransport {
	return NewWsTransport(ctx, urlProvider, DefaultTransportSettings())
}

func NewWsTransport(ctx context.Context, urlProvider UrlProviderFunc, settings *TransportSettings) *WsTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WsTransport{
		ctx:         cancelCtx,
		cancel:      cancel,
		urlProvider: urlProvider,
		settings:    settings,
		send:        make(chan []byte, TransportBufferSize),
	}
	go transport.run()
	return transport
}

func (self *WsTransport) run() {
	defer self.cancel()

	for {
		url, err := self.urlProvider(self.ctx)
		if err != nil {
			glog.Infof("[t]url error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, url, nil)
		if err != nil {
			glog.Infof("[t]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.stateLock.Lock()
		if self.closed {
			self.stateLock.Unlock()
			ws.Close()
			return
		}
		self.ws = ws
		self.stateLock.Unlock()

		for _, openCallback := range self.openCallbacks.get() {
			openCallback()
		}

		self.handle(ws)

		self.stateLock.Lock()
		self.ws = nil
		self.stateLock.Unlock()

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *WsTransport) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frame, ok := <-self.send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
					glog.V(2).Infof("[t]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[t]->\n")
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, frame, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[t]<- error = %s\n", err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(frame) == 0 {
				continue
			}
			for _, messageCallback := range self.messageCallbacks.get() {
				messageCallback(frame)
			}
			glog.V(2).Infof("[t]<-\n")
		}
	}
}

func (self *WsTransport) Send(frame []byte) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.send <- frame:
		return true
	case <-time.After(self.settings.WriteTimeout):
		glog.Infof("[t]send buffer full, drop\n")
		return false
	}
}

func (self *WsTransport) IsOpen() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.ws != nil
}

func (self *WsTransport) AddOpenCallback(openCallback func()) func() {
	return self.openCallbacks.add(openCallback)
}

func (self *WsTransport) AddMessageCallback(messageCallback func(frame []byte)) func() {
	return self.messageCallbacks.add(messageCallback)
}

func (self *WsTransport) AddCloseCallback(closeCallback func(code int, reason string)) func() {
	return self.closeCallbacks.add(closeCallback)
}

// Close tears the transport down with a normal closure code and the
// given reason. Idempotent.
func (self *WsTransport) Close(reason string) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	ws := self.ws
	self.stateLock.Unlock()

	if ws != nil {
		deadline := time.Now().Add(self.settings.WriteTimeout)
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		if err := ws.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
			glog.V(2).Infof("[t]close error = %s\n", err)
		}
	}
	self.cancel()

	for _, closeCallback := range self.closeCallbacks.get() {
		closeCallback(websocket.CloseNormalClosure, reason)
	}
}
