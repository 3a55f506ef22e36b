package coordinator

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/acoreyj/geniesync/protocol"
	"github.com/acoreyj/geniesync/replica"
)

// (ctx) -> identity token for the connect url
type TokenFunc func(ctx context.Context) (string, error)

// (ctx) -> the connected principal, for the privileged schema
// publication
type UserFunc func(ctx context.Context) (*User, error)

type User struct {
	Subject string
	Role    string
}

const RoleAdmin = "admin"

type Config struct {
	// document name
	Name string
	// declarative data shape, applied to the engine and published
	// to peers by privileged sessions
	Schema replica.SchemaWithOptions
	// server endpoint, e.g. wss://sync.example.com
	Endpoint string
	// when false the document is local-only: no transport is opened
	Synchronize bool

	Token TokenFunc
	User  UserFunc
}

// document identity: at most one active coordinator exists per key
type identityKey struct {
	name     string
	endpoint string
	schema   string
}

func (self *Config) identity() identityKey {
	return identityKey{
		name:     self.Name,
		endpoint: self.Endpoint,
		schema:   self.Schema.Schema.Fingerprint(),
	}
}

// Coordinator wraps exactly one document replica: it owns the
// engine, attaches persistence and the shared transport, wraps
// every mutation in a named checkpoint, and reacts to authority
// accept/reject signals by committing or unwinding those
// checkpoints.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	runtime *Runtime
	config  *Config

	engine    replica.Engine
	docStore  *CheckpointedStore
	persister Persister
	transport Transport

	// serializes control-message handling against local mutations.
	// also held by the CheckpointedStore, so a rollback can never
	// interleave with a partially-recorded mutation.
	syncLock sync.Mutex

	stateLock   sync.Mutex
	active      bool
	syncStopped bool
	unsubs      []func()

	ready    chan struct{}
	readyErr error

	firstSync     chan struct{}
	firstSyncOnce sync.Once

	loadLock    sync.Mutex
	loadWaiters []chan struct{}

	listeners callbackList[func()]

	destroyOnce sync.Once
}

func newCoordinator(runtime *Runtime, config *Config) *Coordinator {
	cancelCtx, cancel := context.WithCancel(runtime.ctx)
	return &Coordinator{
		ctx:       cancelCtx,
		cancel:    cancel,
		runtime:   runtime,
		config:    config,
		ready:     make(chan struct{}),
		firstSync: make(chan struct{}),
	}
}

// setup runs once, in the goroutine of the first resolver. On error
// the handle stays unready and is removed from the registry.
func (self *Coordinator) setup(ctx context.Context) error {
	settings := self.runtime.settings

	self.engine = settings.EngineFactory(self.config.Name)
	if err := self.engine.SetSchema(self.config.Schema.Schema); err != nil {
		return initError(InitOpSchema, err)
	}
	self.docStore = newCheckpointedStore(self.engine, &self.syncLock)

	persister, err := settings.PersisterFactory(self.engine, self.config.Name)
	if err != nil {
		return initError(InitOpPersist, err)
	}
	self.persister = persister
	if err := self.persister.StartAutoLoad(); err != nil {
		return initError(InitOpPersist, err)
	}
	if err := self.persister.StartAutoSave(); err != nil {
		return initError(InitOpPersist, err)
	}

	self.engine.Mark("init")

	if self.config.Synchronize {
		transport, err := self.runtime.acquireTransport(self.config.Endpoint, self.transportUrl)
		if err != nil {
			return initError(InitOpConnect, err)
		}
		self.transport = transport

		self.addUnsub(transport.AddMessageCallback(self.onControlMessage))
		self.addUnsub(transport.AddOpenCallback(self.onOpen))
		self.addUnsub(self.engine.Subscribe(self.onLocalDelta))
		if transport.IsOpen() {
			// the shared transport connected before this document
			// attached. run the open reconciliation now
			go self.onOpen()
		}

		// initial sync round-trip gates readiness
		select {
		case <-self.firstSync:
		case <-ctx.Done():
			return initError(InitOpSync, ctx.Err())
		case <-self.ctx.Done():
			return initError(InitOpSync, self.ctx.Err())
		case <-time.After(settings.InitialSyncTimeout):
			return initError(InitOpSync, fmt.Errorf("no sync after %s", settings.InitialSyncTimeout))
		}
	}

	self.stateLock.Lock()
	self.active = true
	self.stateLock.Unlock()
	return nil
}

func (self *Coordinator) addUnsub(unsub func()) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.unsubs = append(self.unsubs, unsub)
}

func (self *Coordinator) Name() string {
	return self.config.Name
}

func (self *Coordinator) IsActive() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.active
}

// Ready is closed once setup completes, successfully or not.
func (self *Coordinator) Ready() <-chan struct{} {
	return self.ready
}

// Store returns the checkpoint-wrapped mutation surface. All
// application writes go through it.
func (self *Coordinator) Store() *CheckpointedStore {
	return self.docStore
}

func (self *Coordinator) Engine() replica.Engine {
	return self.engine
}

// AddListener registers a callback invoked after every change to
// the replica: local mutations, merged remote deltas, rollbacks.
func (self *Coordinator) AddListener(listener func()) func() {
	return self.listeners.add(listener)
}

func (self *Coordinator) notifyListeners() {
	for _, listener := range self.listeners.get() {
		listener()
	}
}

// transportUrl builds the connect url for every dial: endpoint plus
// sync path, a fresh identity token, and the app the current user
// document names.
func (self *Coordinator) transportUrl(ctx context.Context) (string, error) {
	u, err := url.Parse(self.config.Endpoint)
	if err != nil {
		return "", err
	}
	u.Path = path.Join(u.Path, self.runtime.settings.SyncPath)

	query := u.Query()
	if self.config.Token != nil {
		token, err := self.config.Token(ctx)
		if err != nil {
			return "", err
		}
		if token != "" {
			query.Set("token", token)
		}
	}
	if !strings.HasPrefix(self.config.Name, self.runtime.settings.UserDocumentPrefix) {
		if userCoordinator := self.runtime.FindUserCoordinator(self); userCoordinator != nil {
			if app, ok := userCoordinator.Store().Value(self.runtime.settings.AppValueKey).(string); ok && app != "" {
				query.Set("app", app)
			}
		}
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// onOpen runs on every (re)connect. Load completes before save so a
// reconnect cannot overwrite server-side changes made during the
// outage. Privileged sessions then publish the document schema into
// the shared schema value slot.
func (self *Coordinator) onOpen() {
	if self.isSyncStopped() {
		return
	}

	if err := self.syncLoad(); err != nil {
		glog.Infof("[c]%s load error = %s\n", self.config.Name, err)
		return
	}
	if err := self.syncSave(); err != nil {
		glog.Infof("[c]%s save error = %s\n", self.config.Name, err)
		return
	}

	self.publishSchema()

	self.firstSyncOnce.Do(func() {
		close(self.firstSync)
	})
}

// syncLoad requests the authority's content and waits for the
// resulting delta to merge.
func (self *Coordinator) syncLoad() error {
	waiter := make(chan struct{})
	self.loadLock.Lock()
	self.loadWaiters = append(self.loadWaiters, waiter)
	self.loadLock.Unlock()

	if !self.transport.Send(protocol.EncodeLoadRequest()) {
		return fmt.Errorf("transport closed")
	}

	select {
	case <-waiter:
		return nil
	case <-self.ctx.Done():
		return self.ctx.Err()
	case <-time.After(self.runtime.settings.InitialSyncTimeout):
		return fmt.Errorf("no load response after %s", self.runtime.settings.InitialSyncTimeout)
	}
}

func (self *Coordinator) syncSave() error {
	contentBytes, err := self.engine.ProduceDelta()
	if err != nil {
		return err
	}
	if !self.transport.Send(contentBytes) {
		return fmt.Errorf("transport closed")
	}
	return nil
}

func (self *Coordinator) publishSchema() {
	if self.config.User == nil {
		return
	}
	user, err := self.config.User(self.ctx)
	if err != nil || user == nil || user.Role != RoleAdmin {
		return
	}
	schemaJson, err := self.config.Schema.Encode()
	if err != nil {
		glog.Infof("[c]%s schema encode error = %s\n", self.config.Name, err)
		return
	}
	// recorded as its own checkpoint via the wrapped store
	if err := self.docStore.SetValue(self.runtime.settings.SchemaValueKey, string(schemaJson)); err != nil {
		glog.Infof("[c]%s schema publish error = %s\n", self.config.Name, err)
	}
}

// onLocalDelta forwards every committed local change to the
// authority. Runs under the sync lock held by the recording
// mutation, so it must not take it.
func (self *Coordinator) onLocalDelta(delta *replica.Delta) {
	defer self.notifyListeners()
	if self.transport == nil || self.isSyncStopped() {
		return
	}
	deltaBytes, err := delta.Encode()
	if err != nil {
		glog.Infof("[c]%s delta encode error = %s\n", self.config.Name, err)
		return
	}
	self.transport.Send(deltaBytes)
}

func (self *Coordinator) isSyncStopped() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.syncStopped
}

// onControlMessage interprets one inbound frame: a remote delta to
// merge, a revert signal, or an unauthorized signal.
func (self *Coordinator) onControlMessage(frame []byte) {
	message := protocol.Parse(frame)
	switch message.Kind {
	case protocol.MessageKindRevert:
		self.handleRevert(message)
	case protocol.MessageKindUnauthorized:
		self.handleUnauthorized(message)
	case protocol.MessageKindDelta:
		self.handleRemoteDelta(message)
	}
}

// handleRevert unwinds the rejected optimistic write: roll back to
// the checkpoint immediately preceding the referenced one, then
// release the whole checkpoint history so nothing can be rolled
// back past the rejection.
func (self *Coordinator) handleRevert(message *protocol.Message) {
	self.syncLock.Lock()
	checkpoints := self.engine.Checkpoints()
	found := -1
	for i := len(checkpoints) - 1; 0 <= i; i -= 1 {
		if checkpoints[i].Label == message.Checkpoint {
			found = i
			break
		}
	}
	if 0 < found {
		if err := self.engine.RollbackTo(checkpoints[found-1].Id); err != nil {
			glog.Infof("[c]%s rollback error = %s\n", self.config.Name, err)
		}
	} else {
		glog.Infof("[c]%s revert for unknown checkpoint %q\n", self.config.Name, message.Checkpoint)
	}
	self.engine.Clear()
	// a fresh baseline, so the next rejected write still has a
	// predecessor to unwind to
	self.engine.Mark("init")
	self.syncLock.Unlock()

	self.notifyListeners()
	self.surfaceError(fmt.Sprintf("Could not save changes: %s", message.Error))
}

// handleUnauthorized stops synchronizing and tears down the
// transport. Committed data stays untouched.
func (self *Coordinator) handleUnauthorized(message *protocol.Message) {
	self.stateLock.Lock()
	alreadyStopped := self.syncStopped
	self.syncStopped = true
	self.stateLock.Unlock()
	if alreadyStopped {
		return
	}

	self.surfaceError(message.Error)
	self.transport.Close(protocol.CloseReasonNotAuthorized)
}

func (self *Coordinator) handleRemoteDelta(message *protocol.Message) {
	delta, err := replica.DecodeDelta(message.Delta)
	if err != nil {
		glog.V(2).Infof("[c]%s bad remote delta = %s\n", self.config.Name, err)
		return
	}

	self.syncLock.Lock()
	if err := self.engine.ApplyDelta(message.Delta); err != nil {
		self.syncLock.Unlock()
		glog.V(2).Infof("[c]%s bad remote delta = %s\n", self.config.Name, err)
		return
	}
	// remote deltas participate in rollbacks like local writes
	self.engine.Mark(deltaLabel(delta))
	self.syncLock.Unlock()

	// only the authority's full-content reply completes a load. a
	// peer broadcast racing the load request must not release the
	// waiters, or the save could go out before the load merges
	if delta.Origin == replica.LoadOrigin {
		self.loadLock.Lock()
		waiters := self.loadWaiters
		self.loadWaiters = nil
		self.loadLock.Unlock()
		for _, waiter := range waiters {
			close(waiter)
		}
	}

	self.notifyListeners()
}

func deltaLabel(delta *replica.Delta) string {
	if delta.Origin != "" {
		return fmt.Sprintf("remote:%s", delta.Origin)
	}
	return "remote"
}

// surfaceError writes the error text into the current-user
// document's shared error slot.
func (self *Coordinator) surfaceError(errorText string) {
	userCoordinator := self.runtime.FindUserCoordinator(nil)
	if userCoordinator == nil {
		glog.Infof("[c]%s no user document for error %q\n", self.config.Name, errorText)
		return
	}
	if err := userCoordinator.Store().SetValue(self.runtime.settings.ErrorValueKey, errorText); err != nil {
		glog.Infof("[c]%s error slot write failed = %s\n", self.config.Name, err)
	}
}

// Destroy stops persistence and synchronization, releases the
// checkpoint history, closes the transport with a normal closure
// reason, and marks the handle inactive. Idempotent and safe to
// call mid-initialization.
func (self *Coordinator) Destroy() {
	self.destroyOnce.Do(func() {
		self.stateLock.Lock()
		self.active = false
		self.syncStopped = true
		unsubs := self.unsubs
		self.unsubs = nil
		self.stateLock.Unlock()

		for _, unsub := range unsubs {
			unsub()
		}
		if self.persister != nil {
			self.persister.Stop()
		}
		if self.engine != nil {
			self.engine.Clear()
		}
		if self.transport != nil {
			self.runtime.releaseTransport(self.config.Endpoint)
		}
		self.runtime.registry.remove(self.config.identity(), self)
		self.cancel()
	})
}
