package wal

import (
	"io"

	"github.com/Ripolin/segrep/core"
)

// Snapshot is an iterator over a fixed sequence of recorded operations.
// Next returns io.EOF once the sequence is exhausted.
type Snapshot interface {
	Next() (*core.Operation, error)
	TotalOperations() int
	Close() error
}

// EmptySnapshot is the canonical zero-operation snapshot. Managers without a
// local replay capability hand it to recovery callers so the call contract is
// indistinguishable from a real recovery that found nothing.
var EmptySnapshot Snapshot = &memorySnapshot{}

type memorySnapshot struct {
	ops  []core.Operation
	next int
}

func newMemorySnapshot(ops []core.Operation) *memorySnapshot {
	return &memorySnapshot{ops: ops}
}

func (s *memorySnapshot) Next() (*core.Operation, error) {
	if s.next >= len(s.ops) {
		return nil, io.EOF
	}
	op := &s.ops[s.next]
	s.next++
	return op, nil
}

func (s *memorySnapshot) TotalOperations() int {
	return len(s.ops)
}

func (s *memorySnapshot) Close() error {
	return nil
}
