package main

import (
	"flag"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"appendkv/pkg/config"
	"appendkv/pkg/store"
)

// Scripted walkthrough of the public engine surface: basic operations,
// updates, deletes, a bulk load past the flush threshold, a concurrent
// write phase and a manual compaction.
func main() {
	dataDir := flag.String("data", "./demo-data", "data directory")
	flag.Parse()

	cfg := config.DefaultStore()
	cfg.FlushThreshold = 100
	cfg.CompactionThreshold = 3
	cfg.CompactionIntervalMs = 2000

	db, err := store.Open(*dataDir, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to open store:", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			fmt.Fprintln(os.Stderr, "failed to close store:", err)
		}
	}()

	fmt.Println("== basic operations")
	must(db.Set("user:1", "alice"))
	must(db.Set("user:2", "bob"))
	show(db, "user:1")
	show(db, "user:2")
	show(db, "user:3")

	fmt.Println("== update and delete")
	must(db.Set("user:1", "alice-updated"))
	show(db, "user:1")
	must(db.Delete("user:2"))
	show(db, "user:2")

	fmt.Println("== bulk load past the flush threshold")
	for i := 0; i < 250; i++ {
		must(db.Set(fmt.Sprintf("bulk:%04d", i), fmt.Sprintf("value-%04d", i)))
	}
	must(db.Flush())
	fmt.Println(db.Stats())

	fmt.Println("== concurrent writers")
	var g errgroup.Group
	for w := 0; w < 4; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 100; i++ {
				if err := db.Set(fmt.Sprintf("worker:%d:%04d", w, i), "x"); err != nil {
					return err
				}
			}
			return nil
		})
	}
	must(g.Wait())
	show(db, "worker:3:0099")

	fmt.Println("== manual compaction")
	must(db.Flush())
	if err := db.Compact(); err != nil {
		fmt.Println("compact:", err)
	}
	fmt.Println(db.Stats())
}

func show(db *store.Store, key string) {
	value, found, err := db.Get(key)
	switch {
	case err != nil:
		fmt.Printf("get %s -> error: %v\n", key, err)
	case !found:
		fmt.Printf("get %s -> (nil)\n", key)
	default:
		fmt.Printf("get %s -> %s\n", key, value)
	}
}

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "demo failed:", err)
		os.Exit(1)
	}
}
