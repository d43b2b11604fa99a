// Package storetest opens throwaway in-memory stores for tests.
package storetest

import (
	"testing"

	"cycleswap/services/cycled/store"
)

// Open returns a migrated in-memory store closed at test cleanup.
func Open(t testing.TB) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Driver: store.DriverSQLite, DSN: store.MemoryDSN()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}
