package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/acoreyj/geniesync/protocol"
	"github.com/acoreyj/geniesync/replica"
	"github.com/acoreyj/geniesync/store"
)

// The actor is the exclusive owner of one document identity:
// cold (nothing loaded) -> loading (reading persisted state) ->
// active (merging, persisting, broadcasting). All realtime traffic
// for the identity is serialized through the actor's run goroutine,
// so merge-then-persist-then-broadcast is atomic per delta.

type ActorSettings struct {
	MailboxSize        int
	PeerReceiveBufferSize int
	// frames to a slow peer are dropped after this long
	BroadcastTimeout time.Duration
	// the shared value slot carrying the document schema
	SchemaValueKey string
}

func DefaultActorSettings() *ActorSettings {
	return &ActorSettings{
		MailboxSize:           32,
		PeerReceiveBufferSize: 8,
		BroadcastTimeout:      5 * time.Second,
		SchemaValueKey:        "genieSchema",
	}
}

// Peer is one attached connection. Frames for the remote side are
// read from Receive until the actor closes it on detach.
type Peer struct {
	peerId     string
	claims     *Claims
	authorized bool
	receive    chan []byte
}

func (self *Peer) Receive() <-chan []byte {
	return self.receive
}

func (self *Peer) Claims() *Claims {
	return self.claims
}

type attachMessage struct {
	peer *Peer
	done chan struct{}
}

type detachMessage struct {
	peer *Peer
	done chan struct{}
}

type frameMessage struct {
	peer  *Peer
	frame []byte
}

type Actor struct {
	ctx    context.Context
	cancel context.CancelFunc

	identity string
	engine   *replica.MemoryEngine
	docStore *store.Store
	settings *ActorSettings

	mailbox chan any

	// closed when loading completes
	ready   chan struct{}
	loadErr error

	// run goroutine only
	peers  map[*Peer]bool
	schema *replica.SchemaWithOptions
}

func NewActor(ctx context.Context, identity string, storePath string, settings *ActorSettings) (*Actor, error) {
	docStore, err := store.Open(storePath)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	actor := &Actor{
		ctx:      cancelCtx,
		cancel:   cancel,
		identity: identity,
		engine:   replica.NewMemoryEngine(identity),
		docStore: docStore,
		settings: settings,
		mailbox:  make(chan any, settings.MailboxSize),
		ready:    make(chan struct{}),
		peers:    map[*Peer]bool{},
	}
	go actor.run()
	return actor, nil
}

func (self *Actor) Identity() string {
	return self.identity
}

// WaitReady blocks until the persisted state is loaded.
func (self *Actor) WaitReady(ctx context.Context) error {
	select {
	case <-self.ready:
		return self.loadErr
	case <-self.ctx.Done():
		return self.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (self *Actor) Close() {
	self.cancel()
}

func (self *Actor) run() {
	defer func() {
		self.cancel()
		for peer := range self.peers {
			close(peer.receive)
		}
		self.docStore.Close()
	}()

	self.loadErr = self.load()
	close(self.ready)
	if self.loadErr != nil {
		glog.Infof("[actor]%s load error = %s\n", self.identity, self.loadErr)
		return
	}

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.mailbox:
			switch v := message.(type) {
			case *attachMessage:
				self.peers[v.peer] = true
				glog.V(2).Infof("[actor]%s attach %s (%d)\n", self.identity, v.peer.peerId, len(self.peers))
				close(v.done)
			case *detachMessage:
				if self.peers[v.peer] {
					delete(self.peers, v.peer)
					close(v.peer.receive)
				}
				glog.V(2).Infof("[actor]%s detach %s (%d)\n", self.identity, v.peer.peerId, len(self.peers))
				close(v.done)
			case *frameMessage:
				self.handleFrame(v.peer, v.frame)
			}
		}
	}
}

// load replays the fragmented records into the engine. cold -> loading.
func (self *Actor) load() error {
	tables, err := self.docStore.LoadTables(self.ctx)
	if err != nil {
		return err
	}
	values, err := self.docStore.LoadValues(self.ctx)
	if err != nil {
		return err
	}

	delta := &replica.Delta{
		Tables: replica.TableStamps{},
		Values: map[string]*replica.CellStamp{},
	}
	for tableId, table := range tables {
		tableStamps := map[string]map[string]replica.CellStamp{}
		for rowId, rowJson := range table {
			row := map[string]replica.CellStamp{}
			if err := json.Unmarshal(rowJson, &row); err != nil {
				return fmt.Errorf("bad persisted row %s/%s: %w", tableId, rowId, err)
			}
			tableStamps[rowId] = row
		}
		delta.Tables[tableId] = tableStamps
	}
	for valueId, valueJson := range values {
		stamp := &replica.CellStamp{}
		if err := json.Unmarshal(valueJson, stamp); err != nil {
			return fmt.Errorf("bad persisted value %s: %w", valueId, err)
		}
		delta.Values[valueId] = stamp
	}

	if !delta.Empty() {
		deltaBytes, err := delta.Encode()
		if err != nil {
			return err
		}
		if err := self.engine.ApplyDelta(deltaBytes); err != nil {
			return err
		}
	}
	self.refreshSchema()
	return nil
}

// Attach registers a peer and returns it once the actor has accepted it.
func (self *Actor) Attach(ctx context.Context, claims *Claims, authorized bool) (*Peer, error) {
	if err := self.WaitReady(ctx); err != nil {
		return nil, err
	}
	peer := &Peer{
		peerId:     ulid.Make().String(),
		claims:     claims,
		authorized: authorized,
		receive:    make(chan []byte, self.settings.PeerReceiveBufferSize),
	}
	message := &attachMessage{
		peer: peer,
		done: make(chan struct{}),
	}
	select {
	case self.mailbox <- message:
	case <-self.ctx.Done():
		return nil, self.ctx.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case <-message.done:
		return peer, nil
	case <-self.ctx.Done():
		return nil, self.ctx.Err()
	}
}

func (self *Actor) Detach(peer *Peer) {
	message := &detachMessage{
		peer: peer,
		done: make(chan struct{}),
	}
	select {
	case self.mailbox <- message:
	case <-self.ctx.Done():
		return
	}
	select {
	case <-message.done:
	case <-self.ctx.Done():
	}
}

// Deliver hands an inbound frame to the actor.
func (self *Actor) Deliver(peer *Peer, frame []byte) {
	message := &frameMessage{
		peer:  peer,
		frame: frame,
	}
	select {
	case self.mailbox <- message:
	case <-self.ctx.Done():
	}
}

func (self *Actor) handleFrame(peer *Peer, frame []byte) {
	message := protocol.Parse(frame)
	switch message.Kind {
	case protocol.MessageKindLoadRequest:
		contentBytes, err := self.loadReply()
		if err != nil {
			glog.Infof("[actor]%s produce error = %s\n", self.identity, err)
			return
		}
		self.sendToPeer(peer, contentBytes)
	case protocol.MessageKindDelta:
		self.handleDelta(peer, message.Delta)
	default:
		// status signals are client-bound only
		glog.V(2).Infof("[actor]%s drop inbound %s from %s\n", self.identity, message.Kind, peer.peerId)
	}
}

// loadReply is the full document content, tagged so the requester can
// tell it apart from peer broadcasts racing the load.
func (self *Actor) loadReply() ([]byte, error) {
	contentBytes, err := self.engine.ProduceDelta()
	if err != nil {
		return nil, err
	}
	content, err := replica.DecodeDelta(contentBytes)
	if err != nil {
		return nil, err
	}
	content.Origin = replica.LoadOrigin
	return content.Encode()
}

func (self *Actor) handleDelta(peer *Peer, deltaBytes []byte) {
	delta, err := replica.DecodeDelta(deltaBytes)
	if err != nil {
		glog.V(2).Infof("[actor]%s bad delta from %s = %s\n", self.identity, peer.peerId, err)
		return
	}

	if !peer.authorized {
		self.sendToPeer(peer, protocol.EncodeStatus("", protocol.StatusUnauthorized, "not authorized"))
		return
	}

	if reason := self.validateDelta(peer, delta); reason != "" {
		self.sendToPeer(peer, protocol.EncodeStatus(delta.Origin, protocol.StatusRevert, reason))
		return
	}

	if err := self.engine.ApplyDelta(deltaBytes); err != nil {
		self.sendToPeer(peer, protocol.EncodeStatus(delta.Origin, protocol.StatusRevert, err.Error()))
		return
	}

	// durability before broadcast
	if err := self.persistDelta(delta); err != nil {
		glog.Infof("[actor]%s persist error = %s\n", self.identity, err)
		return
	}

	if _, touched := delta.Values[self.settings.SchemaValueKey]; touched {
		self.refreshSchema()
	}

	for other := range self.peers {
		if other == peer {
			// the origin already applied it locally
			continue
		}
		self.sendToPeer(other, deltaBytes)
	}
}

// validateDelta enforces the published schema. An empty reason means
// the delta is acceptable. Value writes are schemaless. Admins may
// write read-only columns, which is how those columns get content
// in the first place.
func (self *Actor) validateDelta(peer *Peer, delta *replica.Delta) string {
	if self.schema == nil {
		return ""
	}
	admin := peer.claims != nil && peer.claims.Role == RoleAdmin
	for tableId, table := range delta.Tables {
		tableSchema, ok := self.schema.Schema[tableId]
		if !ok {
			return fmt.Sprintf("unknown table %s", tableId)
		}
		for _, row := range table {
			for cellId := range row {
				cellSchema, ok := tableSchema[cellId]
				if !ok {
					return fmt.Sprintf("unknown column %s.%s", tableId, cellId)
				}
				if cellSchema.ReadOnly && !admin {
					return fmt.Sprintf("%s.%s is readonly", tableId, cellId)
				}
			}
		}
	}
	return ""
}

// persistDelta writes the merged records touched by the delta.
// Fragmented: one record per table row and per value, so the write
// cost is bounded by the delta, not the document.
func (self *Actor) persistDelta(delta *replica.Delta) error {
	for tableId, table := range delta.Tables {
		for rowId := range table {
			row := self.engine.StampedRow(tableId, rowId)
			rowJson, err := json.Marshal(row)
			if err != nil {
				return err
			}
			if err := self.docStore.UpsertRow(self.ctx, tableId, rowId, rowJson); err != nil {
				return err
			}
		}
	}
	for valueId := range delta.Values {
		stamp, ok := self.engine.StampedValue(valueId)
		if !ok {
			continue
		}
		stampJson, err := json.Marshal(stamp)
		if err != nil {
			return err
		}
		if err := self.docStore.UpsertValue(self.ctx, valueId, stampJson); err != nil {
			return err
		}
	}
	return nil
}

func (self *Actor) refreshSchema() {
	schemaValue := self.engine.Value(self.settings.SchemaValueKey)
	schemaJson, ok := schemaValue.(string)
	if !ok || schemaJson == "" {
		self.schema = nil
		return
	}
	schema, err := replica.ParseSchemaWithOptions([]byte(schemaJson))
	if err != nil {
		glog.Infof("[actor]%s bad schema value = %s\n", self.identity, err)
		return
	}
	self.schema = schema
}

func (self *Actor) sendToPeer(peer *Peer, frame []byte) {
	select {
	case peer.receive <- frame:
	case <-self.ctx.Done():
	case <-time.After(self.settings.BroadcastTimeout):
		glog.Infof("[actor]%s drop %s<-\n", self.identity, peer.peerId)
	}
}

// admin api, out of band from the realtime protocol

func (self *Actor) HandleApi(w http.ResponseWriter, r *http.Request, op string) {
	if err := self.WaitReady(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	switch op {
	case "values-list":
		records, err := self.docStore.ListValues(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJson(w, records)
	case "tables-list":
		records, err := self.docStore.ListTableRows(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJson(w, records)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func writeJson(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.V(2).Infof("[api]write error = %s\n", err)
	}
}
