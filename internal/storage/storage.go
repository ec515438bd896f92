// Package storage persists register scan results so repeated discovery
// sessions can resume instead of rescanning from scratch.
package storage

import (
	"context"
	"fmt"
)

// ResultStore is the persistence contract the register scanner upserts
// through. A stored Readable=true must never be overwritten by a later
// Readable=false for the same (DeviceID, Register) key; transactional
// semantics are required per register, not across registers.
type ResultStore interface {
	// Upsert records a register result, preserving a prior readable=true
	// outcome if the new result reports readable=false.
	Upsert(ctx context.Context, result RegisterResult) error

	// Get returns the stored result for one register, or nil if unscanned.
	Get(ctx context.Context, deviceID string, register uint16) (*RegisterResult, error)

	// ScannedAddresses returns the sorted set of register addresses that
	// already have a stored result (readable or not) for the device.
	ScannedAddresses(ctx context.Context, deviceID string) ([]uint16, error)

	// ListByDevice returns every stored result for a device.
	ListByDevice(ctx context.Context, deviceID string) ([]RegisterResult, error)

	// SaveDevice upserts the device-level record.
	SaveDevice(ctx context.Context, rec DeviceRecord) error

	// GetDevice returns the stored device record, or nil if unknown.
	GetDevice(ctx context.Context, id string) (*DeviceRecord, error)

	// Close releases the underlying connection.
	Close() error
}

// BackendType identifies a ResultStore backend.
type BackendType string

const (
	BackendSQLite BackendType = "sqlite"
)

// Config selects and configures a ResultStore backend.
type Config struct {
	Type BackendType
	Path string
}

// New creates a new ResultStore instance based on configuration.
func New(config Config) (ResultStore, error) {
	switch config.Type {
	case BackendSQLite, "":
		return NewSQLiteResultStore(config.Path)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", config.Type)
	}
}
