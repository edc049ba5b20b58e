package store

import (
	"fmt"
	"io"
	"strings"
)

// Open returns the store named by driver. The closer releases the backing
// database and is a no-op for the memory store.
func Open(driver, path string) (Store, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return NewMemoryStore(), nopCloser{}, nil
	case "sqlite":
		if strings.TrimSpace(path) == "" {
			return nil, nil, fmt.Errorf("sqlite store requires a path")
		}
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
