package dedup

import (
	"fmt"
	"testing"
)

func TestObserveProcessesOnce(t *testing.T) {
	f := New()
	id := "event-abc"

	if f.Observe(id) {
		t.Fatal("first observation should not report already-seen")
	}
	for i := 0; i < 10000; i++ {
		if !f.Observe(id) {
			t.Fatalf("replay %d: expected already-seen", i)
		}
	}
}

func TestObserveDistinguishesDistinctIDs(t *testing.T) {
	f := New()
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("evt-%d", i)
		if f.Observe(id) {
			t.Fatalf("id %s reported as already seen on first observation", id)
		}
	}
}

func TestSnapshotRestorePersistsBloomNotLRU(t *testing.T) {
	f := New()
	f.Observe("persisted-id")

	snap, err := f.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	restored, err := Restore(snap)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !restored.Seen("persisted-id") {
		t.Fatal("expected bloom filter membership to survive a restart")
	}
	if restored.lru.Len() != 0 {
		t.Fatalf("expected an empty LRU after restore, got %d entries", restored.lru.Len())
	}
}

func TestImportLegacyIDs(t *testing.T) {
	f := New()
	f.ImportLegacyIDs([]string{"legacy-1", "legacy-2"})
	if !f.Seen("legacy-1") || !f.Seen("legacy-2") {
		t.Fatal("expected legacy IDs to be present after import")
	}
}
