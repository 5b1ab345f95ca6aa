package sstable

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"

	"appendkv/pkg/record"
)

// runIterator walks the data section of one run file front to back,
// bounded by an optional [from, to) key window.
type runIterator struct {
	file *os.File
	rd   *bufio.Reader
	from string
	to   string
	cur  record.Record
	err  error
	done bool
}

func (it *runIterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	for {
		rec, err := record.Read(it.rd)
		if errors.Is(err, io.EOF) {
			it.done = true
			return false
		}
		if err != nil {
			it.err = err
			return false
		}
		if it.from != "" && rec.Key < it.from {
			continue
		}
		if it.to != "" && rec.Key >= it.to {
			it.done = true
			return false
		}
		it.cur = rec
		return true
	}
}

func (it *runIterator) Record() record.Record {
	return it.cur
}

func (it *runIterator) Err() error {
	return it.err
}

func (it *runIterator) Close() error {
	it.done = true
	return it.file.Close()
}

func slogWarnClose(path string, err error) {
	slog.Warn("failed to close run file", "path", path, "error", err)
}
