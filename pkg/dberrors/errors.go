package dberrors

import "errors"

var (
	ErrCorrupt           = errors.New("appendkv: corrupt data")
	ErrClosed            = errors.New("appendkv: closed")
	ErrInvalidArgument   = errors.New("appendkv: invalid argument")
	ErrCompactionRunning = errors.New("appendkv: compaction running")
)
