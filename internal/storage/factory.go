package storage

import (
	"fmt"
)

// NewStore creates a new store based on options
func NewStore(opts Options) (Store, error) {
	switch opts.Type {
	case "", "memory":
		return NewFileStore("")
	case "file":
		if opts.DSN == "" {
			return nil, fmt.Errorf("file path is required for file storage")
		}
		return NewFileStore(opts.DSN)
	case "sqlite", "postgres":
		if opts.DSN == "" {
			return nil, fmt.Errorf("dsn is required for %s storage", opts.Type)
		}
		return NewSQLStore(opts.Type, opts.DSN)
	}
	return nil, fmt.Errorf("unsupported storage type: %s", opts.Type)
}

// Shared wraps store so that closing the wrapper leaves store open. It lets
// several components use one handle while its owner closes it once.
func Shared(store Store) Store {
	return sharedStore{store}
}

type sharedStore struct {
	Store
}

func (sharedStore) Close() error { return nil }
