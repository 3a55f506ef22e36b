package replica

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/oklog/ulid/v2"
)

// table id -> row id -> cell id -> stamp. tombstones stay resident
// so a late write with an older time cannot resurrect deleted state
type stampedTables map[string]map[string]map[string]CellStamp

type memoryCheckpoint struct {
	id     CheckpointId
	label  string
	tables stampedTables
	values map[string]CellStamp
}

// MemoryEngine is the reference engine: field-level last-write-wins
// over a logical clock, full-snapshot checkpoints. The server actor
// and the tests run on it.
type MemoryEngine struct {
	name string

	stateLock sync.Mutex
	schema    TablesSchema
	tables    stampedTables
	values    map[string]CellStamp
	clock     int64

	checkpoints []*memoryCheckpoint
	// local writes since the last Mark
	pending *Delta

	subscribeCallbacks map[int]ChangeFunc
	nextSubscribeId    int
}

func NewMemoryEngine(name string) *MemoryEngine {
	return &MemoryEngine{
		name:               name,
		tables:             stampedTables{},
		values:             map[string]CellStamp{},
		pending:            &Delta{},
		subscribeCallbacks: map[int]ChangeFunc{},
	}
}

func (self *MemoryEngine) Name() string {
	return self.name
}

func (self *MemoryEngine) SetSchema(schema TablesSchema) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.schema = schema
	return nil
}

// checkpoints

func (self *MemoryEngine) Mark(label string) CheckpointId {
	self.stateLock.Lock()
	checkpointId := CheckpointId(ulid.Make().String())
	self.checkpoints = append(self.checkpoints, &memoryCheckpoint{
		id:     checkpointId,
		label:  label,
		tables: copyStampedTables(self.tables),
		values: copyStamps(self.values),
	})
	var delta *Delta
	if !self.pending.Empty() {
		delta = self.pending
		delta.Origin = label
		self.pending = &Delta{}
	}
	changeCallbacks := make([]ChangeFunc, 0, len(self.subscribeCallbacks))
	for _, changeCallback := range self.subscribeCallbacks {
		changeCallbacks = append(changeCallbacks, changeCallback)
	}
	self.stateLock.Unlock()

	if delta != nil {
		for _, changeCallback := range changeCallbacks {
			changeCallback(delta)
		}
	}
	return checkpointId
}

func (self *MemoryEngine) Checkpoints() []Checkpoint {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	checkpoints := make([]Checkpoint, len(self.checkpoints))
	for i, checkpoint := range self.checkpoints {
		checkpoints[i] = Checkpoint{
			Id:    checkpoint.id,
			Label: checkpoint.label,
		}
	}
	return checkpoints
}

func (self *MemoryEngine) RollbackTo(checkpointId CheckpointId) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	i := self.checkpointIndex(checkpointId)
	if i < 0 {
		return fmt.Errorf("unknown checkpoint %s", checkpointId)
	}
	checkpoint := self.checkpoints[i]
	self.tables = copyStampedTables(checkpoint.tables)
	self.values = copyStamps(checkpoint.values)
	self.checkpoints = self.checkpoints[:i+1]
	self.pending = &Delta{}
	return nil
}

func (self *MemoryEngine) ClearFrom(checkpointId CheckpointId) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	i := self.checkpointIndex(checkpointId)
	if i < 0 {
		return fmt.Errorf("unknown checkpoint %s", checkpointId)
	}
	self.checkpoints = self.checkpoints[:i+1]
	return nil
}

func (self *MemoryEngine) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.checkpoints = nil
}

func (self *MemoryEngine) checkpointIndex(checkpointId CheckpointId) int {
	for i := len(self.checkpoints) - 1; 0 <= i; i -= 1 {
		if self.checkpoints[i].id == checkpointId {
			return i
		}
	}
	return -1
}

// merge

func (self *MemoryEngine) ApplyDelta(deltaBytes []byte) error {
	delta, err := DecodeDelta(deltaBytes)
	if err != nil {
		return err
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for tableId, table := range delta.Tables {
		for rowId, row := range table {
			for cellId, stamp := range row {
				self.mergeCell(tableId, rowId, cellId, stamp)
			}
		}
	}
	for key, stamp := range delta.Values {
		if stamp == nil {
			continue
		}
		if existing, ok := self.values[key]; !ok || stamp.wins(existing) {
			self.values[key] = *stamp
		}
		self.observeTime(stamp.Time)
	}
	return nil
}

func (self *MemoryEngine) mergeCell(tableId string, rowId string, cellId string, stamp CellStamp) {
	table, ok := self.tables[tableId]
	if !ok {
		table = map[string]map[string]CellStamp{}
		self.tables[tableId] = table
	}
	row, ok := table[rowId]
	if !ok {
		row = map[string]CellStamp{}
		table[rowId] = row
	}
	if existing, ok := row[cellId]; !ok || stamp.wins(existing) {
		row[cellId] = stamp
	}
	self.observeTime(stamp.Time)
}

func (self *MemoryEngine) observeTime(t int64) {
	if self.clock < t {
		self.clock = t
	}
}

func (self *MemoryEngine) ProduceDelta() ([]byte, error) {
	self.stateLock.Lock()
	delta := &Delta{
		Tables: TableStamps(copyStampedTables(self.tables)),
		Values: map[string]*CellStamp{},
	}
	for key, stamp := range self.values {
		stampCopy := stamp
		delta.Values[key] = &stampCopy
	}
	self.stateLock.Unlock()
	return delta.Encode()
}

func (self *MemoryEngine) Subscribe(changeCallback ChangeFunc) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	subscribeId := self.nextSubscribeId
	self.nextSubscribeId += 1
	self.subscribeCallbacks[subscribeId] = changeCallback
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.subscribeCallbacks, subscribeId)
	}
}

// mutations

func (self *MemoryEngine) SetTables(tables Tables) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for tableId := range self.tables {
		if _, ok := tables[tableId]; !ok {
			self.tombstoneTable(tableId)
		}
	}
	for tableId, table := range tables {
		self.setTable(tableId, table)
	}
	return nil
}

func (self *MemoryEngine) SetTable(tableId string, table Table) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.setTable(tableId, table)
	return nil
}

func (self *MemoryEngine) setTable(tableId string, table Table) {
	for rowId := range self.tables[tableId] {
		if _, ok := table[rowId]; !ok {
			self.tombstoneRow(tableId, rowId)
		}
	}
	for rowId, row := range table {
		self.setRow(tableId, rowId, row, true)
	}
}

func (self *MemoryEngine) SetRow(tableId string, rowId string, row Row) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.setRow(tableId, rowId, row, true)
	return nil
}

func (self *MemoryEngine) AddRow(tableId string, row Row) (string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	nextRowId := int64(1)
	for rowId := range self.tables[tableId] {
		if id, err := strconv.ParseInt(rowId, 10, 64); err == nil && nextRowId <= id {
			nextRowId = id + 1
		}
	}
	rowId := strconv.FormatInt(nextRowId, 10)
	self.setRow(tableId, rowId, row, true)
	return rowId, nil
}

func (self *MemoryEngine) setRow(tableId string, rowId string, row Row, replace bool) {
	cells := Row{}
	for cellId, value := range row {
		if coerced, ok := self.cellAllowed(tableId, cellId, value); ok {
			cells[cellId] = coerced
		}
	}
	// schema defaults for absent cells
	for cellId, cellSchema := range self.schema[tableId] {
		if cellSchema.Default == nil {
			continue
		}
		if _, ok := cells[cellId]; !ok {
			cells[cellId] = cellSchema.Default
		}
	}
	if replace {
		for cellId := range self.tables[tableId][rowId] {
			if _, ok := cells[cellId]; !ok {
				self.writeCell(tableId, rowId, cellId, nil)
			}
		}
	}
	for cellId, value := range cells {
		self.writeCell(tableId, rowId, cellId, value)
	}
}

func (self *MemoryEngine) SetCell(tableId string, rowId string, cellId string, value any) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	coerced, ok := self.cellAllowed(tableId, cellId, value)
	if !ok {
		return nil
	}
	self.writeCell(tableId, rowId, cellId, coerced)
	return nil
}

func (self *MemoryEngine) DelRow(tableId string, rowId string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.tombstoneRow(tableId, rowId)
	return nil
}

func (self *MemoryEngine) DelTables() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for tableId := range self.tables {
		self.tombstoneTable(tableId)
	}
	return nil
}

func (self *MemoryEngine) SetValue(key string, value any) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.writeValue(key, value)
	return nil
}

func (self *MemoryEngine) DelValue(key string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.writeValue(key, nil)
	return nil
}

func (self *MemoryEngine) SetContent(tables Tables, values map[string]any) error {
	if err := self.SetTables(tables); err != nil {
		return err
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for key := range self.values {
		if _, ok := values[key]; !ok {
			self.writeValue(key, nil)
		}
	}
	for key, value := range values {
		self.writeValue(key, value)
	}
	return nil
}

func (self *MemoryEngine) tombstoneTable(tableId string) {
	for rowId := range self.tables[tableId] {
		self.tombstoneRow(tableId, rowId)
	}
}

func (self *MemoryEngine) tombstoneRow(tableId string, rowId string) {
	for cellId, stamp := range self.tables[tableId][rowId] {
		if stamp.Value != nil {
			self.writeCell(tableId, rowId, cellId, nil)
		}
	}
}

func (self *MemoryEngine) writeCell(tableId string, rowId string, cellId string, value any) {
	self.clock += 1
	stamp := CellStamp{
		Value: value,
		Time:  self.clock,
	}
	table, ok := self.tables[tableId]
	if !ok {
		table = map[string]map[string]CellStamp{}
		self.tables[tableId] = table
	}
	row, ok := table[rowId]
	if !ok {
		row = map[string]CellStamp{}
		table[rowId] = row
	}
	row[cellId] = stamp
	self.pending.setCell(tableId, rowId, cellId, stamp)
}

func (self *MemoryEngine) writeValue(key string, value any) {
	self.clock += 1
	stamp := CellStamp{
		Value: value,
		Time:  self.clock,
	}
	self.values[key] = stamp
	self.pending.setValue(key, stamp)
}

// cellAllowed filters local writes through the applied schema.
// Cells outside the schema or with the wrong runtime type are
// silently dropped, matching mergeable-store behavior. Read-only
// is not enforced here. That is the authority's call, which is
// what makes the optimistic write and rollback path real.
func (self *MemoryEngine) cellAllowed(tableId string, cellId string, value any) (any, bool) {
	if self.schema == nil {
		return value, true
	}
	tableSchema, ok := self.schema[tableId]
	if !ok {
		return value, true
	}
	cellSchema, ok := tableSchema[cellId]
	if !ok {
		return nil, false
	}
	switch cellSchema.Type {
	case CellTypeString:
		if s, ok := value.(string); ok {
			return s, true
		}
	case CellTypeNumber:
		switch n := value.(type) {
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		case float64:
			return n, true
		}
	case CellTypeBoolean:
		if b, ok := value.(bool); ok {
			return b, true
		}
	}
	return nil, false
}

// reads

func (self *MemoryEngine) Tables() Tables {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	tables := Tables{}
	for tableId := range self.tables {
		if table := self.readTable(tableId); 0 < len(table) {
			tables[tableId] = table
		}
	}
	return tables
}

func (self *MemoryEngine) Table(tableId string) Table {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.readTable(tableId)
}

func (self *MemoryEngine) readTable(tableId string) Table {
	table := Table{}
	for rowId := range self.tables[tableId] {
		if row := self.readRow(tableId, rowId); 0 < len(row) {
			table[rowId] = row
		}
	}
	return table
}

func (self *MemoryEngine) Row(tableId string, rowId string) Row {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.readRow(tableId, rowId)
}

func (self *MemoryEngine) readRow(tableId string, rowId string) Row {
	row := Row{}
	for cellId, stamp := range self.tables[tableId][rowId] {
		if stamp.Value != nil {
			row[cellId] = stamp.Value
		}
	}
	return row
}

func (self *MemoryEngine) Cell(tableId string, rowId string, cellId string) any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.tables[tableId][rowId][cellId].Value
}

func (self *MemoryEngine) Value(key string) any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.values[key].Value
}

func (self *MemoryEngine) Values() map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	values := map[string]any{}
	for key, stamp := range self.values {
		if stamp.Value != nil {
			values[key] = stamp.Value
		}
	}
	return values
}

// stamped reads, used by the persistence layer to write merged
// records with their timestamps intact

func (self *MemoryEngine) StampedRow(tableId string, rowId string) map[string]CellStamp {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return copyStamps(self.tables[tableId][rowId])
}

func (self *MemoryEngine) StampedValue(key string) (CellStamp, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	stamp, ok := self.values[key]
	return stamp, ok
}

func copyStampedTables(tables stampedTables) stampedTables {
	tablesCopy := stampedTables{}
	for tableId, table := range tables {
		tableCopy := map[string]map[string]CellStamp{}
		for rowId, row := range table {
			rowCopy := map[string]CellStamp{}
			for cellId, stamp := range row {
				rowCopy[cellId] = stamp
			}
			tableCopy[rowId] = rowCopy
		}
		tablesCopy[tableId] = tableCopy
	}
	return tablesCopy
}

func copyStamps(stamps map[string]CellStamp) map[string]CellStamp {
	stampsCopy := map[string]CellStamp{}
	for key, stamp := range stamps {
		stampsCopy[key] = stamp
	}
	return stampsCopy
}
