// Package store persists one document per sqlite database using a
// fragmented layout: individual table rows and top-level values are
// independent records, so a single mutation's durability write is
// bounded by the size of that mutation, not the document.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSql string

type Store struct {
	db *sql.DB
}

// Open creates or opens the sqlite database at path. Idempotent.
//
// WAL mode keeps diagnostic reads cheap while the actor writes.
// The pool is pinned to one connection because sqlite allows a
// single writer and the session actor is the single writer anyway.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSql); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (self *Store) Close() error {
	if self.db == nil {
		return nil
	}
	return self.db.Close()
}

// fragmented writes

func (self *Store) UpsertRow(ctx context.Context, tableId string, rowId string, row json.RawMessage) error {
	_, err := self.db.ExecContext(
		ctx,
		`INSERT INTO store_tables (table_id, row_id, row) VALUES (?, ?, ?)
		ON CONFLICT (table_id, row_id) DO UPDATE SET row = excluded.row`,
		tableId,
		rowId,
		string(row),
	)
	return err
}

func (self *Store) DeleteRow(ctx context.Context, tableId string, rowId string) error {
	_, err := self.db.ExecContext(
		ctx,
		`DELETE FROM store_tables WHERE table_id = ? AND row_id = ?`,
		tableId,
		rowId,
	)
	return err
}

func (self *Store) UpsertValue(ctx context.Context, valueId string, value json.RawMessage) error {
	_, err := self.db.ExecContext(
		ctx,
		`INSERT INTO store_values (value_id, value) VALUES (?, ?)
		ON CONFLICT (value_id) DO UPDATE SET value = excluded.value`,
		valueId,
		string(value),
	)
	return err
}

func (self *Store) DeleteValue(ctx context.Context, valueId string) error {
	_, err := self.db.ExecContext(
		ctx,
		`DELETE FROM store_values WHERE value_id = ?`,
		valueId,
	)
	return err
}

// loads

func (self *Store) LoadTables(ctx context.Context) (map[string]map[string]json.RawMessage, error) {
	rows, err := self.db.QueryContext(
		ctx,
		`SELECT table_id, row_id, row FROM store_tables`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tables := map[string]map[string]json.RawMessage{}
	for rows.Next() {
		var tableId string
		var rowId string
		var row string
		if err := rows.Scan(&tableId, &rowId, &row); err != nil {
			return nil, err
		}
		table, ok := tables[tableId]
		if !ok {
			table = map[string]json.RawMessage{}
			tables[tableId] = table
		}
		table[rowId] = json.RawMessage(row)
	}
	return tables, rows.Err()
}

func (self *Store) LoadValues(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := self.db.QueryContext(
		ctx,
		`SELECT value_id, value FROM store_values`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := map[string]json.RawMessage{}
	for rows.Next() {
		var valueId string
		var value string
		if err := rows.Scan(&valueId, &value); err != nil {
			return nil, err
		}
		values[valueId] = json.RawMessage(value)
	}
	return values, rows.Err()
}

// diagnostic records returned by the admin api

type TableRowRecord struct {
	TableId string          `json:"table_id"`
	RowId   string          `json:"row_id"`
	Row     json.RawMessage `json:"row"`
}

type ValueRecord struct {
	ValueId string          `json:"value_id"`
	Value   json.RawMessage `json:"value"`
}

func (self *Store) ListTableRows(ctx context.Context) ([]TableRowRecord, error) {
	rows, err := self.db.QueryContext(
		ctx,
		`SELECT table_id, row_id, row FROM store_tables ORDER BY table_id, row_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []TableRowRecord{}
	for rows.Next() {
		var record TableRowRecord
		var row string
		if err := rows.Scan(&record.TableId, &record.RowId, &row); err != nil {
			return nil, err
		}
		record.Row = json.RawMessage(row)
		records = append(records, record)
	}
	return records, rows.Err()
}

func (self *Store) ListValues(ctx context.Context) ([]ValueRecord, error) {
	rows, err := self.db.QueryContext(
		ctx,
		`SELECT value_id, value FROM store_values ORDER BY value_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []ValueRecord{}
	for rows.Next() {
		var record ValueRecord
		var value string
		if err := rows.Scan(&record.ValueId, &value); err != nil {
			return nil, err
		}
		record.Value = json.RawMessage(value)
		records = append(records, record)
	}
	return records, rows.Err()
}
