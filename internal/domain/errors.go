// Package domain errors.go contains sentinel errors and the error classes that
// make up the persistence layer's failure taxonomy.
package domain

import (
	"errors"

	"github.com/zeebo/errs"
)

// Failure classes. A class wraps the underlying cause so callers can still
// match sentinels with errors.Is, while Class.Has tells the failure kinds apart.
var (
	// OpenFailure means storage is unusable; it degrades the whole layer.
	OpenFailure = errs.Class("open failure")
	// MigrationFailure means a schema upgrade step failed; the open attempt is aborted.
	MigrationFailure = errs.Class("migration failure")
	// OperationFailure means a single get/put/delete/scan failed.
	OperationFailure = errs.Class("operation failure")
	// VersionConflict means another instance moved the schema ahead of this one.
	VersionConflict = errs.Class("version conflict")
)

// Sentinel domain-level errors reused by higher layers.
var (
	ErrInvalidKey    = errors.New("invalid key")
	ErrInvalidRange  = errors.New("invalid key range")
	ErrInvalidRecord = errors.New("invalid record")
	ErrMissingKey    = errors.New("record has no key")
	ErrKeyExists     = errors.New("key already exists")
	ErrUnknownStore  = errors.New("unknown object store")
	ErrUnknownIndex  = errors.New("unknown index")
	ErrStoreExists   = errors.New("object store already exists")
	ErrIndexExists   = errors.New("index already exists")
	ErrNewerVersion  = errors.New("database version is newer than this build")
	ErrClosed        = errors.New("database closed")
	ErrTTLInvalid    = errors.New("ttl invalid")
)
