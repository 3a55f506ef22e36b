package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type RouterSettings struct {
	// path segment marking administrative api calls
	AdminMarker string
	// the realtime-upgrade identity header required for sync traffic
	IdentityHeader string

	WsReadTimeout  time.Duration
	WsWriteTimeout time.Duration
	WsPingTimeout  time.Duration

	ActorSettings *ActorSettings
}

func DefaultRouterSettings() *RouterSettings {
	return &RouterSettings{
		AdminMarker:    "__api__",
		IdentityHeader: "Sec-WebSocket-Key",
		WsReadTimeout:  60 * time.Second,
		WsWriteTimeout: 5 * time.Second,
		WsPingTimeout:  15 * time.Second,
		ActorSettings:  DefaultActorSettings(),
	}
}

// Router maps each request to the session actor for its path-derived
// identity. The router holds no document state of its own.
type Router struct {
	ctx    context.Context
	cancel context.CancelFunc

	dataDir  string
	verifier *TokenVerifier
	settings *RouterSettings

	upgrader websocket.Upgrader

	mutex  sync.Mutex
	actors map[string]*Actor
}

func NewRouterWithDefaults(ctx context.Context, dataDir string, verifier *TokenVerifier) *Router {
	return NewRouter(ctx, dataDir, verifier, DefaultRouterSettings())
}

func NewRouter(ctx context.Context, dataDir string, verifier *TokenVerifier, settings *RouterSettings) *Router {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Router{
		ctx:      cancelCtx,
		cancel:   cancel,
		dataDir:  dataDir,
		verifier: verifier,
		settings: settings,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		actors: map[string]*Actor{},
	}
}

func (self *Router) Close() {
	self.cancel()
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, actor := range self.actors {
		actor.Close()
	}
}

// PathIdentity derives the routing identity and the administrative
// operation from a request path. A pure function of the path: two
// requests with the same derived identity always reach the same actor.
func PathIdentity(path string, adminMarker string) (identity string, adminOp string) {
	marker := "/" + adminMarker
	if i := strings.Index(path, marker); 0 <= i {
		adminOp = strings.Trim(path[i+len(marker):], "/")
		path = path[:i]
	}
	identity = strings.Trim(path, "/")
	if identity == "" {
		identity = "default"
	}
	return
}

func (self *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, adminOp := PathIdentity(r.URL.Path, self.settings.AdminMarker)

	if adminOp != "" {
		actor, err := self.actorFor(identity)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		actor.HandleApi(w, r, adminOp)
		return
	}

	// everything that is not an admin call is realtime sync traffic
	if !websocket.IsWebSocketUpgrade(r) || r.Header.Get(self.settings.IdentityHeader) == "" {
		http.Error(w, "realtime upgrade required", http.StatusUpgradeRequired)
		return
	}

	var claims *Claims
	authorized := self.verifier == nil
	if self.verifier != nil {
		if token := r.URL.Query().Get("token"); token != "" {
			if verified, err := self.verifier.Verify(token); err == nil {
				claims = verified
				authorized = true
			} else {
				glog.V(2).Infof("[router]%s token error = %s\n", identity, err)
			}
		}
	}

	actor, err := self.actorFor(identity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	peer, err := actor.Attach(r.Context(), claims, authorized)
	if err != nil {
		ws.Close()
		return
	}
	self.serveConn(actor, peer, ws)
}

// actorFor resolves the single live actor for an identity,
// creating it cold on first use.
func (self *Router) actorFor(identity string) (*Actor, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if actor, ok := self.actors[identity]; ok {
		return actor, nil
	}
	storePath := filepath.Join(self.dataDir, storeFileName(identity))
	actor, err := NewActor(self.ctx, identity, storePath, self.settings.ActorSettings)
	if err != nil {
		return nil, err
	}
	self.actors[identity] = actor
	return actor, nil
}

// storeFileName maps an identity to its sqlite file. Sanitizing
// alone can collide distinct identities on disk, so the raw identity
// is pinned with a digest suffix.
func storeFileName(identity string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, identity)
	digest := sha256.Sum256([]byte(identity))
	return fmt.Sprintf("%s-%s.db", sanitized, hex.EncodeToString(digest[:4]))
}

func (self *Router) serveConn(actor *Actor, peer *Peer, ws *websocket.Conn) {
	defer func() {
		actor.Detach(peer)
		ws.Close()
	}()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frame, ok := <-peer.receive:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WsWriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
					glog.V(2).Infof("[router]%s-> error = %s\n", peer.peerId, err)
					return
				}
			case <-time.After(self.settings.WsPingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WsWriteTimeout))
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

		ws.SetReadDeadline(time.Now().Add(self.settings.WsReadTimeout))
		messageType, frame, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[router]%s<- error = %s\n", peer.peerId, err)
			return
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(frame) == 0 {
				continue
			}
			actor.Deliver(peer, frame)
		}
	}
}
