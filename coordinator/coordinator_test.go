package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/acoreyj/geniesync/protocol"
	"github.com/acoreyj/geniesync/replica"
)

// testTransport stands in for the websocket transport. It starts
// open, records every sent frame, and lets the test inject inbound
// frames.
type testTransport struct {
	mutex       sync.Mutex
	closed      bool
	closeReason string
	frames      [][]byte

	openCallbacks    callbackList[func()]
	messageCallbacks callbackList[func(frame []byte)]
	closeCallbacks   callbackList[func(code int, reason string)]

	// called outside the lock for every sent frame
	onSend func(frame []byte)
}

func newTestTransport() *testTransport {
	return &testTransport{}
}

// respondToLoads answers every load request with the given content
// frame, the way the session actor does.
func (self *testTransport) respondToLoads(content []byte) {
	self.onSend = func(frame []byte) {
		if protocol.Parse(frame).Kind == protocol.MessageKindLoadRequest {
			go self.deliver(content)
		}
	}
}

func (self *testTransport) deliver(frame []byte) {
	for _, messageCallback := range self.messageCallbacks.get() {
		messageCallback(frame)
	}
}

func (self *testTransport) fireOpen() {
	for _, openCallback := range self.openCallbacks.get() {
		openCallback()
	}
}

func (self *testTransport) sentFrames() [][]byte {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	frames := make([][]byte, len(self.frames))
	copy(frames, self.frames)
	return frames
}

func (self *testTransport) clearFrames() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.frames = nil
}

func (self *testTransport) Send(frame []byte) bool {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return false
	}
	self.frames = append(self.frames, frame)
	onSend := self.onSend
	self.mutex.Unlock()
	if onSend != nil {
		onSend(frame)
	}
	return true
}

func (self *testTransport) AddOpenCallback(openCallback func()) func() {
	return self.openCallbacks.add(openCallback)
}

func (self *testTransport) AddMessageCallback(messageCallback func(frame []byte)) func() {
	return self.messageCallbacks.add(messageCallback)
}

func (self *testTransport) AddCloseCallback(closeCallback func(code int, reason string)) func() {
	return self.closeCallbacks.add(closeCallback)
}

func (self *testTransport) IsOpen() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return !self.closed
}

func (self *testTransport) Close(reason string) {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	self.closeReason = reason
	self.mutex.Unlock()

	for _, closeCallback := range self.closeCallbacks.get() {
		closeCallback(websocket.CloseNormalClosure, reason)
	}
}

func newTestRuntime(t *testing.T, transport Transport) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	settings := DefaultRuntimeSettings()
	settings.InitialSyncTimeout = 5 * time.Second
	if transport != nil {
		settings.TransportFactory = func(transportCtx context.Context, urlProvider UrlProviderFunc) Transport {
			return transport
		}
	}
	runtime := NewRuntime(ctx, settings)
	t.Cleanup(func() {
		runtime.Close()
		cancel()
	})
	return runtime
}

func frameKind(frame []byte) protocol.MessageKind {
	return protocol.Parse(frame).Kind
}

func TestSyncStartupLoadsBeforeSaving(t *testing.T) {
	transport := newTestTransport()
	transport.respondToLoads([]byte(`{"origin":"load"}`))
	runtime := newTestRuntime(t, transport)

	coordinator, err := runtime.Acquire(context.Background(), &Config{
		Name:        "mydoc",
		Endpoint:    "wss://sync.example.test",
		Synchronize: true,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, coordinator.IsActive(), true)

	frames := transport.sentFrames()
	assert.Equal(t, len(frames), 2)
	assert.Equal(t, frameKind(frames[0]), protocol.MessageKindLoadRequest)
	assert.Equal(t, frameKind(frames[1]), protocol.MessageKindDelta)

	// committed local writes stream out as labeled deltas
	err = coordinator.Store().SetValue("app", "genie")
	assert.Equal(t, err, nil)

	frames = transport.sentFrames()
	assert.Equal(t, len(frames), 3)
	delta, err := replica.DecodeDelta(protocol.Parse(frames[2]).Delta)
	assert.Equal(t, err, nil)
	assert.Equal(t, delta.Origin, "setValue:app")
	assert.Equal(t, delta.Values["app"].Value, "genie")
}

func TestReconnectLoadsBeforeSaving(t *testing.T) {
	transport := newTestTransport()
	transport.respondToLoads([]byte(`{"origin":"load"}`))
	runtime := newTestRuntime(t, transport)

	coordinator, err := runtime.Acquire(context.Background(), &Config{
		Name:        "mydoc",
		Endpoint:    "wss://sync.example.test",
		Synchronize: true,
	})
	assert.Equal(t, err, nil)
	err = coordinator.Store().SetCell("t", "1", "name", "a")
	assert.Equal(t, err, nil)

	transport.clearFrames()
	transport.fireOpen()

	frames := transport.sentFrames()
	assert.Equal(t, len(frames), 2)
	assert.Equal(t, frameKind(frames[0]), protocol.MessageKindLoadRequest)
	content, err := replica.DecodeDelta(protocol.Parse(frames[1]).Delta)
	assert.Equal(t, err, nil)
	assert.Equal(t, content.Tables["t"]["1"]["name"].Value, "a")
}

func TestLoadWaitsForTheLoadReply(t *testing.T) {
	transport := newTestTransport()
	transport.respondToLoads([]byte(`{"origin":"load"}`))
	runtime := newTestRuntime(t, transport)

	_, err := runtime.Acquire(context.Background(), &Config{
		Name:        "mydoc",
		Endpoint:    "wss://sync.example.test",
		Synchronize: true,
	})
	assert.Equal(t, err, nil)

	// reconnect with no autoresponder, so the load stays in flight
	transport.mutex.Lock()
	transport.onSend = nil
	transport.mutex.Unlock()
	transport.clearFrames()

	done := make(chan struct{})
	go func() {
		transport.fireOpen()
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(transport.sentFrames()) < 1 {
		if deadline.Before(time.Now()) {
			t.Fatal("no load request")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// a peer broadcast racing the load must not release the save
	broadcast := &replica.Delta{
		Origin: "setCell:t:1:name",
		Tables: replica.TableStamps{
			"t": {
				"1": {
					"name": {Value: "a", Time: 50},
				},
			},
		},
	}
	broadcastBytes, err := broadcast.Encode()
	assert.Equal(t, err, nil)
	transport.deliver(broadcastBytes)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, len(transport.sentFrames()), 1)

	transport.deliver([]byte(`{"origin":"load"}`))
	<-done

	frames := transport.sentFrames()
	assert.Equal(t, len(frames), 2)
	assert.Equal(t, frameKind(frames[0]), protocol.MessageKindLoadRequest)
	assert.Equal(t, frameKind(frames[1]), protocol.MessageKindDelta)
}

func TestRemoteDeltaMergesWithCheckpoint(t *testing.T) {
	transport := newTestTransport()
	transport.respondToLoads([]byte(`{"origin":"load"}`))
	runtime := newTestRuntime(t, transport)

	coordinator, err := runtime.Acquire(context.Background(), &Config{
		Name:        "mydoc",
		Endpoint:    "wss://sync.example.test",
		Synchronize: true,
	})
	assert.Equal(t, err, nil)

	notified := false
	unsub := coordinator.AddListener(func() {
		notified = true
	})
	defer unsub()

	remote := &replica.Delta{
		Origin: "setCell:t:1:name",
		Tables: replica.TableStamps{
			"t": {
				"1": {
					"name": {Value: "a", Time: 100},
				},
			},
		},
	}
	remoteBytes, err := remote.Encode()
	assert.Equal(t, err, nil)
	transport.deliver(remoteBytes)

	assert.Equal(t, coordinator.Store().Cell("t", "1", "name"), "a")
	assert.Equal(t, notified, true)

	checkpoints := coordinator.Engine().Checkpoints()
	assert.Equal(t, checkpoints[len(checkpoints)-1].Label, "remote:setCell:t:1:name")
}

func TestRevertUnwindsRejectedWrite(t *testing.T) {
	transport := newTestTransport()
	transport.respondToLoads([]byte(`{"origin":"load"}`))
	runtime := newTestRuntime(t, transport)

	// the user document doubles as the error surface
	coordinator, err := runtime.Acquire(context.Background(), &Config{
		Name:        "g-user-tbl-alice",
		Endpoint:    "wss://sync.example.test",
		Synchronize: true,
	})
	assert.Equal(t, err, nil)

	err = coordinator.Store().SetValue("app", "genie")
	assert.Equal(t, err, nil)
	err = coordinator.Store().SetRow("pets", "1", replica.Row{"owner": "u2"})
	assert.Equal(t, err, nil)
	assert.Equal(t, coordinator.Store().Cell("pets", "1", "owner"), "u2")

	transport.deliver(protocol.EncodeStatus("setRow:pets:1", protocol.StatusRevert, "pets.owner is readonly"))

	// the rejected write is gone, the earlier commit stays
	assert.Equal(t, len(coordinator.Store().Row("pets", "1")), 0)
	assert.Equal(t, coordinator.Store().Value("app"), "genie")
	assert.Equal(t, coordinator.Store().Value("error"), "Could not save changes: pets.owner is readonly")

	// nothing older than the rejection is reachable, only the fresh
	// baseline and the surfaced error remain
	checkpoints := coordinator.Engine().Checkpoints()
	assert.Equal(t, len(checkpoints), 2)
	assert.Equal(t, checkpoints[0].Label, "init")
	assert.Equal(t, checkpoints[1].Label, "setValue:error")
}

func TestSecondRevertStillUnwinds(t *testing.T) {
	transport := newTestTransport()
	transport.respondToLoads([]byte(`{"origin":"load"}`))
	runtime := newTestRuntime(t, transport)

	coordinator, err := runtime.Acquire(context.Background(), &Config{
		Name:        "g-user-tbl-alice",
		Endpoint:    "wss://sync.example.test",
		Synchronize: true,
	})
	assert.Equal(t, err, nil)

	err = coordinator.Store().SetValue("app", "genie")
	assert.Equal(t, err, nil)
	transport.deliver(protocol.EncodeStatus("setValue:app", protocol.StatusRevert, "readonly"))
	assert.Equal(t, coordinator.Store().Value("app") == nil, true)

	// the rejection cleared the history, but the baseline survives,
	// so the next rejected write still unwinds
	err = coordinator.Store().SetValue("app", "genie2")
	assert.Equal(t, err, nil)
	assert.Equal(t, coordinator.Store().Value("app"), "genie2")

	transport.deliver(protocol.EncodeStatus("setValue:app", protocol.StatusRevert, "readonly"))
	assert.Equal(t, coordinator.Store().Value("app") == nil, true)
	assert.Equal(t, coordinator.Store().Value("error"), "Could not save changes: readonly")
}

func TestRevertForUnknownCheckpointOnlyClears(t *testing.T) {
	transport := newTestTransport()
	transport.respondToLoads([]byte(`{"origin":"load"}`))
	runtime := newTestRuntime(t, transport)

	coordinator, err := runtime.Acquire(context.Background(), &Config{
		Name:        "g-user-tbl-alice",
		Endpoint:    "wss://sync.example.test",
		Synchronize: true,
	})
	assert.Equal(t, err, nil)
	err = coordinator.Store().SetValue("app", "genie")
	assert.Equal(t, err, nil)

	transport.deliver(protocol.EncodeStatus("setCell:t:9:x", protocol.StatusRevert, "unknown table t"))

	assert.Equal(t, coordinator.Store().Value("app"), "genie")
	assert.Equal(t, coordinator.Store().Value("error"), "Could not save changes: unknown table t")
}

func TestUnauthorizedStopsSynchronizing(t *testing.T) {
	transport := newTestTransport()
	transport.respondToLoads([]byte(`{"origin":"load"}`))
	runtime := newTestRuntime(t, transport)

	coordinator, err := runtime.Acquire(context.Background(), &Config{
		Name:        "g-user-tbl-alice",
		Endpoint:    "wss://sync.example.test",
		Synchronize: true,
	})
	assert.Equal(t, err, nil)
	err = coordinator.Store().SetValue("app", "genie")
	assert.Equal(t, err, nil)
	sentBefore := len(transport.sentFrames())

	transport.deliver(protocol.EncodeStatus("", protocol.StatusUnauthorized, "no access"))

	assert.Equal(t, transport.closed, true)
	assert.Equal(t, transport.closeReason, protocol.CloseReasonNotAuthorized)
	// committed data stays untouched and the error is surfaced
	assert.Equal(t, coordinator.Store().Value("app"), "genie")
	assert.Equal(t, coordinator.Store().Value("error"), "no access")

	// local writes still commit, but stop streaming out
	err = coordinator.Store().SetValue("app", "genie2")
	assert.Equal(t, err, nil)
	assert.Equal(t, coordinator.Store().Value("app"), "genie2")
	assert.Equal(t, len(transport.sentFrames()), sentBefore)
}

func TestInitialSyncTimeoutFailsAcquire(t *testing.T) {
	// a transport that never answers the load request
	transport := newTestTransport()
	runtime := newTestRuntime(t, transport)
	runtime.settings.InitialSyncTimeout = 100 * time.Millisecond

	_, err := runtime.Acquire(context.Background(), &Config{
		Name:        "mydoc",
		Endpoint:    "wss://sync.example.test",
		Synchronize: true,
	})
	assert.NotEqual(t, err, nil)

	var initErr *InitError
	assert.Equal(t, errors.As(err, &initErr), true)
	assert.Equal(t, initErr.Op, InitOpSync)
}

func TestLocalOnlyDocumentNeedsNoTransport(t *testing.T) {
	runtime := newTestRuntime(t, nil)

	coordinator, err := runtime.Acquire(context.Background(), &Config{
		Name: "mydoc",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, coordinator.IsActive(), true)

	err = coordinator.Store().SetCell("t", "1", "name", "a")
	assert.Equal(t, err, nil)
	assert.Equal(t, coordinator.Store().Cell("t", "1", "name"), "a")

	// mutations record one checkpoint each, after the init mark
	checkpoints := coordinator.Engine().Checkpoints()
	assert.Equal(t, len(checkpoints), 2)
	assert.Equal(t, checkpoints[0].Label, "init")
	assert.Equal(t, checkpoints[1].Label, "setCell:t:1:name")
}

func TestSchemaPublishedByAdminSessions(t *testing.T) {
	transport := newTestTransport()
	transport.respondToLoads([]byte(`{"origin":"load"}`))
	runtime := newTestRuntime(t, transport)

	schema := replica.SchemaWithOptions{
		Schema: replica.TablesSchema{
			"pets": {
				"name": {Type: replica.CellTypeString},
			},
		},
	}
	coordinator, err := runtime.Acquire(context.Background(), &Config{
		Name:        "mydoc",
		Schema:      schema,
		Endpoint:    "wss://sync.example.test",
		Synchronize: true,
		User: func(ctx context.Context) (*User, error) {
			return &User{Subject: "ops", Role: RoleAdmin}, nil
		},
	})
	assert.Equal(t, err, nil)

	schemaJson, err := schema.Encode()
	assert.Equal(t, err, nil)
	assert.Equal(t, coordinator.Store().Value("genieSchema"), string(schemaJson))

	// load request, full content save, then the schema publication
	frames := transport.sentFrames()
	assert.Equal(t, len(frames), 3)
	delta, err := replica.DecodeDelta(protocol.Parse(frames[2]).Delta)
	assert.Equal(t, err, nil)
	assert.Equal(t, delta.Origin, "setValue:genieSchema")
}
