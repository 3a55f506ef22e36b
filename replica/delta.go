package replica

import (
	"encoding/json"
	"fmt"
)

// CellStamp is one field-level write. A nil Value is a tombstone.
type CellStamp struct {
	Value any   `json:"v"`
	Time  int64 `json:"t"`
}

// wins reports whether this stamp replaces an existing one.
// Later time wins. Equal times fall back to a deterministic
// comparison of the encoded values so replicas converge
// regardless of apply order.
func (self CellStamp) wins(other CellStamp) bool {
	if self.Time != other.Time {
		return other.Time < self.Time
	}
	selfValue, _ := json.Marshal(self.Value)
	otherValue, _ := json.Marshal(other.Value)
	return string(otherValue) < string(selfValue)
}

// table id -> row id -> cell id -> stamp
type TableStamps map[string]map[string]map[string]CellStamp

// Origin carried by the authority's full-content reply to a load
// request, distinguishing it from peer broadcasts.
const LoadOrigin = "load"

// Delta is an incremental description of a change, mergeable into
// any replica. Origin carries the label of the checkpoint that
// produced it so a rejection can reference the exact write.
type Delta struct {
	Origin string                `json:"origin,omitempty"`
	Tables TableStamps           `json:"tables,omitempty"`
	Values map[string]*CellStamp `json:"values,omitempty"`
}

func (self *Delta) Empty() bool {
	return len(self.Tables) == 0 && len(self.Values) == 0
}

func (self *Delta) Encode() ([]byte, error) {
	return json.Marshal(self)
}

func DecodeDelta(deltaBytes []byte) (*Delta, error) {
	delta := &Delta{}
	if err := json.Unmarshal(deltaBytes, delta); err != nil {
		return nil, fmt.Errorf("bad delta: %w", err)
	}
	return delta, nil
}

func (self *Delta) setCell(tableId string, rowId string, cellId string, stamp CellStamp) {
	if self.Tables == nil {
		self.Tables = TableStamps{}
	}
	table, ok := self.Tables[tableId]
	if !ok {
		table = map[string]map[string]CellStamp{}
		self.Tables[tableId] = table
	}
	row, ok := table[rowId]
	if !ok {
		row = map[string]CellStamp{}
		table[rowId] = row
	}
	row[cellId] = stamp
}

func (self *Delta) setValue(key string, stamp CellStamp) {
	if self.Values == nil {
		self.Values = map[string]*CellStamp{}
	}
	stampCopy := stamp
	self.Values[key] = &stampCopy
}
