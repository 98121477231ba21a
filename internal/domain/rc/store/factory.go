// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"fmt"
)

// Open creates a Store based on the backend configuration and wraps it
// with metrics instrumentation.
func Open(backend, path string) (Store, error) {
	if backend == "" {
		backend = "sqlite"
	}

	var (
		inner Store
		err   error
	)
	switch backend {
	case "memory":
		inner = NewMemoryStore()
	case "sqlite":
		inner, err = NewSqliteStore(path)
	case "badger":
		inner, err = OpenBadgerStore(path)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
	if err != nil {
		return nil, err
	}
	return NewInstrumentedStore(inner, backend), nil
}
