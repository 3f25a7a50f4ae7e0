// Package testutil holds helpers shared by package tests: temporary pools
// and a fault-injecting engine wrapper.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/joshuapare/pmemkit/engine/pmem"
)

// TestPoolSize is the pool size used by file-backed test pools.
const TestPoolSize = 4 << 20

// PoolPath returns a fresh pool path inside t's temporary directory.
func PoolPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name+".pool")
}

// SetupPool creates a file-backed pool in a temporary directory and closes
// it when the test ends.
//
// Example:
//
//	p, path := testutil.SetupPool(t)
//	h, err := p.Allocate(64)
func SetupPool(t *testing.T) (*pmem.Pool, string) {
	t.Helper()
	path := PoolPath(t, "test")
	p, err := pmem.Create(path, pmem.Options{Size: TestPoolSize})
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p, path
}
