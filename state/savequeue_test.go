package state

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

var errSnapshotFailed = errors.New("snapshot failed")

func TestSaveQueueSerializesWrites(t *testing.T) {
	storage := NewMemStorage()
	q := NewSaveQueue(storage, "forge-state-abc")

	var counter int64
	var wg sync.WaitGroup
	const n = 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			err := q.Save(func() (string, error) {
				v := atomic.AddInt64(&counter, 1)
				return strconv.FormatInt(v, 10), nil
			})
			if err != nil {
				t.Errorf("save: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := storage.Get("forge-state-abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := strconv.FormatInt(n, 10)
	if got != want {
		t.Fatalf("expected final save to observe all %d writes, got %q", n, got)
	}
}

func TestSaveQueuePropagatesSnapshotError(t *testing.T) {
	storage := NewMemStorage()
	q := NewSaveQueue(storage, "k")
	sentinel := errSnapshotFailed

	err := q.Save(func() (string, error) { return "", sentinel })
	if err != sentinel {
		t.Fatalf("expected snapshot error to propagate, got %v", err)
	}
}
