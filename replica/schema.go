package replica

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type CellType string

const (
	CellTypeString  CellType = "string"
	CellTypeNumber  CellType = "number"
	CellTypeBoolean CellType = "boolean"
)

type CellSchema struct {
	Type     CellType `json:"type"`
	Default  any      `json:"default,omitempty"`
	ReadOnly bool     `json:"readonly,omitempty"`
	Hidden   bool     `json:"hidden,omitempty"`
	Required bool     `json:"required,omitempty"`
	MetaType string   `json:"metatype,omitempty"`
}

// table id -> cell id -> cell schema
type TablesSchema map[string]map[string]CellSchema

// the declarative shape published to peers in the shared schema value slot
type SchemaWithOptions struct {
	Schema          TablesSchema `json:"schema"`
	DisplayTemplate string       `json:"displayTemplate,omitempty"`
}

// Fingerprint identifies the schema shape for instance keying.
// Deterministic for a given set of table ids.
func (self TablesSchema) Fingerprint() string {
	tableIds := make([]string, 0, len(self))
	for tableId := range self {
		tableIds = append(tableIds, tableId)
	}
	sort.Strings(tableIds)
	return strings.Join(tableIds, ",")
}

func (self *SchemaWithOptions) Encode() ([]byte, error) {
	return json.Marshal(self)
}

func ParseSchemaWithOptions(schemaJson []byte) (*SchemaWithOptions, error) {
	schema := &SchemaWithOptions{}
	if err := json.Unmarshal(schemaJson, schema); err != nil {
		return nil, fmt.Errorf("bad schema value: %w", err)
	}
	return schema, nil
}
