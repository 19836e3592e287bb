package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/roach88/protocore/internal/ident"
)

var (
	ownerA = ident.Identity("\xaa")
	ownerB = ident.Identity("\xbb")
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestInstance builds an instance with minimal required fields.
func createTestInstance(owner ident.Identity, uid uuid.UUID, kind uint64) Instance {
	return Instance{
		Owner:       owner,
		InstanceUID: uid,
		Family:      "test-family",
		StateKind:   kind,
		State:       []byte{0x82, byte(kind), 0x80},
	}
}

// saveInstance persists inst in its own transaction and returns the new version.
func saveInstance(t *testing.T, s *Store, inst Instance, expected int64) int64 {
	t.Helper()
	var version int64
	err := s.Update(context.Background(), func(tx *Tx) error {
		v, err := tx.Save(context.Background(), inst, expected)
		version = v
		return err
	})
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	return version
}

// registerOwned creates an owned identity with one current device.
func registerOwned(t *testing.T, s *Store, id ident.Identity, device uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	if err := s.AddOwnedIdentity(ctx, id, []byte("secret-"+id.String()), ident.CoreDetails{FirstName: "Test"}); err != nil {
		t.Fatalf("AddOwnedIdentity() failed: %v", err)
	}
	if err := s.AddOwnedDevice(ctx, id, device, true); err != nil {
		t.Fatalf("AddOwnedDevice() failed: %v", err)
	}
}
