package replica

// plain (unstamped) views of document content
type Row map[string]any
type Table map[string]Row
type Tables map[string]Table

// ordered checkpoint id. ids sort in creation order within one engine
type CheckpointId string

type Checkpoint struct {
	Id    CheckpointId
	Label string
}

// called with each local delta flushed by Mark
type ChangeFunc func(delta *Delta)

// Engine is the mergeable-store surface the coordination layer is
// built around. The merge algorithm behind ApplyDelta/ProduceDelta
// is a black box to everything in this module except the reference
// in-memory implementation.
type Engine interface {
	SetSchema(schema TablesSchema) error

	// checkpoint primitives
	// Mark snapshots current state, flushes buffered local changes
	// to subscribers as one delta labeled `label`, and returns the
	// new checkpoint id.
	Mark(label string) CheckpointId
	Checkpoints() []Checkpoint
	RollbackTo(checkpointId CheckpointId) error
	// ClearFrom discards checkpoints newer than checkpointId
	// without touching state.
	ClearFrom(checkpointId CheckpointId) error
	// Clear releases the entire checkpoint history.
	Clear()

	// merge primitives
	ApplyDelta(deltaBytes []byte) error
	ProduceDelta() ([]byte, error)
	Subscribe(changeCallback ChangeFunc) func()

	// mutations
	SetTables(tables Tables) error
	SetTable(tableId string, table Table) error
	SetRow(tableId string, rowId string, row Row) error
	AddRow(tableId string, row Row) (string, error)
	SetCell(tableId string, rowId string, cellId string, value any) error
	DelRow(tableId string, rowId string) error
	DelTables() error
	SetValue(key string, value any) error
	DelValue(key string) error
	SetContent(tables Tables, values map[string]any) error

	// reads
	Tables() Tables
	Table(tableId string) Table
	Row(tableId string, rowId string) Row
	Cell(tableId string, rowId string, cellId string) any
	Value(key string) any
	Values() map[string]any
}
