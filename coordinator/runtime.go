package coordinator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/acoreyj/geniesync/protocol"
	"github.com/acoreyj/geniesync/replica"
)

type RuntimeSettings struct {
	// constructs the engine for a new document replica
	EngineFactory func(name string) replica.Engine
	// constructs local persistence for a new document replica
	PersisterFactory func(engine replica.Engine, name string) (Persister, error)
	// constructs the shared transport for an endpoint
	TransportFactory func(ctx context.Context, urlProvider UrlProviderFunc) Transport

	TransportSettings *TransportSettings

	// directory for the file persister. empty disables local
	// persistence
	PersistDir string

	// path appended to every endpoint url
	SyncPath string

	// name prefix of the distinguished current-user documents
	UserDocumentPrefix string
	GuestMarker        string

	// well-known value slots
	SchemaValueKey string
	ErrorValueKey  string
	AppValueKey    string

	InitialSyncTimeout time.Duration
}

func DefaultRuntimeSettings() *RuntimeSettings {
	transportSettings := DefaultTransportSettings()
	settings := &RuntimeSettings{
		EngineFactory: func(name string) replica.Engine {
			return replica.NewMemoryEngine(name)
		},
		TransportSettings:  transportSettings,
		SyncPath:           "genie",
		UserDocumentPrefix: "g-user-tbl-",
		GuestMarker:        "guest",
		SchemaValueKey:     "genieSchema",
		ErrorValueKey:      "error",
		AppValueKey:        "app",
		InitialSyncTimeout: 15 * time.Second,
	}
	settings.PersisterFactory = func(engine replica.Engine, name string) (Persister, error) {
		if settings.PersistDir == "" {
			return &noopPersister{}, nil
		}
		return NewFilePersister(engine, settings.PersistDir, name)
	}
	return settings
}

// Runtime is the ownership context for all client-side state: the
// instance registry and the per-endpoint transport reuse map.
// Created at process or session start and torn down explicitly,
// instead of living in ambient globals.
type Runtime struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *RuntimeSettings
	registry *Registry

	transportLock sync.Mutex
	transports    map[string]*sharedTransport
}

type sharedTransport struct {
	transport Transport
	refs      int
}

func NewRuntimeWithDefaults(ctx context.Context) *Runtime {
	return NewRuntime(ctx, DefaultRuntimeSettings())
}

func NewRuntime(ctx context.Context, settings *RuntimeSettings) *Runtime {
	cancelCtx, cancel := context.WithCancel(ctx)
	runtime := &Runtime{
		ctx:        cancelCtx,
		cancel:     cancel,
		settings:   settings,
		registry:   newRegistry(),
		transports: map[string]*sharedTransport{},
	}
	if settings.TransportFactory == nil {
		settings.TransportFactory = func(transportCtx context.Context, urlProvider UrlProviderFunc) Transport {
			return NewWsTransport(transportCtx, urlProvider, settings.TransportSettings)
		}
	}
	return runtime
}

// Acquire returns the ready coordinator for the document identity,
// reusing the active handle if one exists. Idempotent: acquiring
// the same identity twice returns the same handle, with no second
// replica or transport.
func (self *Runtime) Acquire(ctx context.Context, config *Config) (*Coordinator, error) {
	return self.registry.resolve(ctx, self, config)
}

func (self *Runtime) Registry() *Registry {
	return self.registry
}

// FindUserCoordinator locates the current-user document, preferring
// a non-guest handle.
func (self *Runtime) FindUserCoordinator(excluding *Coordinator) *Coordinator {
	return self.registry.FindByRolePrefix(
		self.settings.UserDocumentPrefix,
		self.settings.GuestMarker,
		excluding,
	)
}

// acquireTransport converges concurrent acquisitions for the same
// endpoint on one physical connection.
func (self *Runtime) acquireTransport(endpoint string, urlProvider UrlProviderFunc) (Transport, error) {
	self.transportLock.Lock()
	defer self.transportLock.Unlock()
	if shared, ok := self.transports[endpoint]; ok {
		shared.refs += 1
		return shared.transport, nil
	}
	transport := self.settings.TransportFactory(self.ctx, urlProvider)
	// drop the registry entry when the transport closes for any
	// reason, e.g. an unauthorized teardown, so the next acquire
	// dials fresh
	transport.AddCloseCallback(func(code int, reason string) {
		self.transportLock.Lock()
		defer self.transportLock.Unlock()
		if shared, ok := self.transports[endpoint]; ok && shared.transport == transport {
			delete(self.transports, endpoint)
		}
	})
	self.transports[endpoint] = &sharedTransport{
		transport: transport,
		refs:      1,
	}
	return transport, nil
}

func (self *Runtime) releaseTransport(endpoint string) {
	self.transportLock.Lock()
	shared, ok := self.transports[endpoint]
	if ok {
		shared.refs -= 1
		if 0 < shared.refs {
			self.transportLock.Unlock()
			return
		}
		delete(self.transports, endpoint)
	}
	self.transportLock.Unlock()

	if ok {
		shared.transport.Close(protocol.CloseReasonDestroyed)
	}
}

// Close destroys every active coordinator and tears down all shared
// transports.
func (self *Runtime) Close() {
	for _, coordinator := range self.registry.all() {
		coordinator.Destroy()
	}

	self.transportLock.Lock()
	endpoints := maps.Keys(self.transports)
	remaining := make([]Transport, 0, len(endpoints))
	for _, endpoint := range endpoints {
		remaining = append(remaining, self.transports[endpoint].transport)
		delete(self.transports, endpoint)
	}
	self.transportLock.Unlock()

	for _, transport := range remaining {
		transport.Close(protocol.CloseReasonDestroyed)
	}
	self.cancel()
}
