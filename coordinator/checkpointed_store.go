package coordinator

import (
	"fmt"
	"sync"

	"github.com/acoreyj/geniesync/replica"
)

// CheckpointedStore is the mutation surface handed to the
// application. Every mutating call forwards to the engine and then
// records a checkpoint whose label encodes the operation and target.
// All mutations flow through the single record choke point, so no
// write can bypass checkpointing. Checkpoint granularity is the
// unit of rollback.
type CheckpointedStore struct {
	engine replica.Engine
	// shared with the coordinator's control-message handling so a
	// rollback never interleaves with a mutation and its checkpoint
	syncLock *sync.Mutex
}

func NewCheckpointedStore(engine replica.Engine) *CheckpointedStore {
	return newCheckpointedStore(engine, &sync.Mutex{})
}

func newCheckpointedStore(engine replica.Engine, syncLock *sync.Mutex) *CheckpointedStore {
	return &CheckpointedStore{
		engine:   engine,
		syncLock: syncLock,
	}
}

func (self *CheckpointedStore) record(label string) replica.CheckpointId {
	return self.engine.Mark(label)
}

// mutations

func (self *CheckpointedStore) SetTables(tables replica.Tables) error {
	self.syncLock.Lock()
	defer self.syncLock.Unlock()
	if err := self.engine.SetTables(tables); err != nil {
		return err
	}
	self.record("setTables")
	return nil
}

func (self *CheckpointedStore) SetTable(tableId string, table replica.Table) error {
	self.syncLock.Lock()
	defer self.syncLock.Unlock()
	if err := self.engine.SetTable(tableId, table); err != nil {
		return err
	}
	self.record(fmt.Sprintf("setTable:%s", tableId))
	return nil
}

func (self *CheckpointedStore) SetRow(tableId string, rowId string, row replica.Row) error {
	self.syncLock.Lock()
	defer self.syncLock.Unlock()
	if err := self.engine.SetRow(tableId, rowId, row); err != nil {
		return err
	}
	self.record(fmt.Sprintf("setRow:%s:%s", tableId, rowId))
	return nil
}

func (self *CheckpointedStore) AddRow(tableId string, row replica.Row) (string, error) {
	self.syncLock.Lock()
	defer self.syncLock.Unlock()
	rowId, err := self.engine.AddRow(tableId, row)
	if err != nil {
		return "", err
	}
	self.record(fmt.Sprintf("addRow:%s:%s", tableId, rowId))
	return rowId, nil
}

func (self *CheckpointedStore) SetCell(tableId string, rowId string, cellId string, value any) error {
	self.syncLock.Lock()
	defer self.syncLock.Unlock()
	if err := self.engine.SetCell(tableId, rowId, cellId, value); err != nil {
		return err
	}
	self.record(fmt.Sprintf("setCell:%s:%s:%s", tableId, rowId, cellId))
	return nil
}

func (self *CheckpointedStore) DelRow(tableId string, rowId string) error {
	self.syncLock.Lock()
	defer self.syncLock.Unlock()
	if err := self.engine.DelRow(tableId, rowId); err != nil {
		return err
	}
	self.record(fmt.Sprintf("delRow:%s:%s", tableId, rowId))
	return nil
}

func (self *CheckpointedStore) DelTables() error {
	self.syncLock.Lock()
	defer self.syncLock.Unlock()
	if err := self.engine.DelTables(); err != nil {
		return err
	}
	self.record("delTables")
	return nil
}

func (self *CheckpointedStore) SetValue(key string, value any) error {
	self.syncLock.Lock()
	defer self.syncLock.Unlock()
	if err := self.engine.SetValue(key, value); err != nil {
		return err
	}
	self.record(fmt.Sprintf("setValue:%s", key))
	return nil
}

func (self *CheckpointedStore) DelValue(key string) error {
	self.syncLock.Lock()
	defer self.syncLock.Unlock()
	if err := self.engine.DelValue(key); err != nil {
		return err
	}
	self.record(fmt.Sprintf("delValue:%s", key))
	return nil
}

func (self *CheckpointedStore) SetContent(tables replica.Tables, values map[string]any) error {
	self.syncLock.Lock()
	defer self.syncLock.Unlock()
	if err := self.engine.SetContent(tables, values); err != nil {
		return err
	}
	self.record("setContent")
	return nil
}

// reads pass through

func (self *CheckpointedStore) Tables() replica.Tables {
	return self.engine.Tables()
}

func (self *CheckpointedStore) Table(tableId string) replica.Table {
	return self.engine.Table(tableId)
}

func (self *CheckpointedStore) Row(tableId string, rowId string) replica.Row {
	return self.engine.Row(tableId, rowId)
}

func (self *CheckpointedStore) Cell(tableId string, rowId string, cellId string) any {
	return self.engine.Cell(tableId, rowId, cellId)
}

func (self *CheckpointedStore) Value(key string) any {
	return self.engine.Value(key)
}

func (self *CheckpointedStore) Values() map[string]any {
	return self.engine.Values()
}
