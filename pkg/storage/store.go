package storage

import (
	"errors"

	"github.com/cuemby/hoosegow/pkg/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the build and call ledger.
type Store interface {
	// Images
	PutImage(image *types.ImageRecord) error
	GetImage(reference string) (*types.ImageRecord, error)
	ListImages() ([]*types.ImageRecord, error)
	DeleteImage(reference string) error

	// Calls
	PutCall(call *types.CallRecord) error
	GetCall(id string) (*types.CallRecord, error)
	ListCalls(limit int) ([]*types.CallRecord, error)
	PruneCalls(keep int) (int, error)

	Close() error
}
