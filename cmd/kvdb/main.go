package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"appendkv/pkg/dberrors"
	"appendkv/pkg/store"
)

func main() {
	dataDir := flag.String("data", "./data", "data directory")
	configPath := flag.String("config", "./config.yaml", "config file path")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	db, err := store.Open(*dataDir, cfg.DB)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to open store:", err)
		os.Exit(1)
	}

	fmt.Println("appendkv shell. Type 'help' for commands.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if run(db, line) {
			break
		}
	}

	if err := db.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "failed to close store:", err)
		os.Exit(1)
	}
	fmt.Println("bye")
}

// run executes one shell command and reports whether the loop should
// exit.
func run(db *store.Store, line string) bool {
	fields := strings.Fields(line)
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "set":
		if len(args) < 2 {
			fmt.Println("usage: set <key> <value>")
			return false
		}
		if err := db.Set(args[0], strings.Join(args[1:], " ")); err != nil {
			fmt.Println("error:", err)
		} else {
			fmt.Println("OK")
		}
	case "get":
		if len(args) != 1 {
			fmt.Println("usage: get <key>")
			return false
		}
		value, found, err := db.Get(args[0])
		switch {
		case err != nil:
			fmt.Println("error:", err)
		case !found:
			fmt.Println("(nil)")
		default:
			fmt.Println(value)
		}
	case "del", "delete":
		if len(args) != 1 {
			fmt.Println("usage: del <key>")
			return false
		}
		if err := db.Delete(args[0]); err != nil {
			fmt.Println("error:", err)
		} else {
			fmt.Println("OK")
		}
	case "flush":
		if err := db.Flush(); err != nil {
			fmt.Println("error:", err)
		} else {
			fmt.Println("OK")
		}
	case "compact":
		err := db.Compact()
		switch {
		case errors.Is(err, dberrors.ErrCompactionRunning):
			fmt.Println("busy: compaction already running")
		case err != nil:
			fmt.Println("error:", err)
		default:
			fmt.Println("OK")
		}
	case "stats":
		fmt.Println(db.Stats())
	case "help":
		fmt.Println("commands: set <k> <v> | get <k> | del <k> | flush | compact | stats | exit")
	case "exit", "quit":
		return true
	default:
		fmt.Println("unknown command:", cmd)
	}
	return false
}
