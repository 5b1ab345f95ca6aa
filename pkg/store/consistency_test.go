package store

import (
	"fmt"
	"sync"
	"testing"
)

// A finished write is visible to any later read, flushes or not.
func TestConsistency_WriteThenReadAcrossFlushes(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.FlushThreshold = 50 // force frequent freezes

	db, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("k%04d", i)
		value := fmt.Sprintf("v%04d", i)
		if err := db.Set(key, value); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		// Read back immediately: the write must already be visible,
		// whatever layer it currently lives in.
		got, found, err := db.Get(key)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !found || got != value {
			t.Fatalf("write to %s not visible, got %q (found=%v)", key, got, found)
		}
	}
}

func TestConsistency_ConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.FlushThreshold = 100

	db, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	const writers, perWriter = 8, 200

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("w%d-k%04d", w, i)
				if err := db.Set(key, fmt.Sprintf("w%d-v%04d", w, i)); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Set failed: %v", err)
	}

	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			key := fmt.Sprintf("w%d-k%04d", w, i)
			want := fmt.Sprintf("w%d-v%04d", w, i)
			got, found, err := db.Get(key)
			if err != nil {
				t.Fatalf("Get %s failed: %v", key, err)
			}
			if !found || got != want {
				t.Fatalf("expected %s=%s, got %q (found=%v)", key, want, got, found)
			}
		}
	}
}

func TestConsistency_LastWriteWinsUnderInterleaving(t *testing.T) {
	db := openTestStore(t)

	const rounds = 100
	for i := 0; i < rounds; i++ {
		if err := db.Set("contended", fmt.Sprintf("v%d", i)); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if i%10 == 0 {
			if err := db.Flush(); err != nil {
				t.Fatalf("Flush failed: %v", err)
			}
		}
	}

	got, found, err := db.Get("contended")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found || got != fmt.Sprintf("v%d", rounds-1) {
		t.Fatalf("expected last write to win, got %q (found=%v)", got, found)
	}

	if err := db.Compact(); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	got, found, err = db.Get("contended")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found || got != fmt.Sprintf("v%d", rounds-1) {
		t.Fatalf("expected last write to survive compaction, got %q (found=%v)", got, found)
	}
}
