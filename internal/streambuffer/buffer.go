// Package streambuffer implements the single-producer/multi-consumer
// append-only byte log at the heart of the caching proxy. A Buffer grows as
// a producer appends origin bytes to it and lets any number of readers
// stream the accumulated prefix concurrently, regardless of how far the
// producer has progressed.
package streambuffer

import (
	"sync"

	"github.com/pkg/errors"
)

// InitialCapacity is the size of the first allocation backing a Buffer.
const InitialCapacity = 16 * 1024 // 16 KiB

// MaxResponseSize is the hard ceiling on a single buffer's content. A
// producer that would cross it fails the buffer instead of growing past it.
const MaxResponseSize = 100 * 1024 * 1024 // 100 MiB

// ErrTooLarge is the terminal error latched on a buffer whose producer tried
// to append past MaxResponseSize.
var ErrTooLarge = errors.New("streambuffer: response exceeds maximum size")

// Sink is the destination a reader drains a buffer into. It is anything
// that can accept a byte slice and report how much of it landed, matching
// the shape of a net.Conn Write without requiring one.
type Sink interface {
	Write(p []byte) (n int, err error)
}

// Buffer is an append-only byte log with latched completion and error
// states and a condition variable used to wake blocked readers. The zero
// value is not usable; construct with New.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	bytes    []byte
	size     int
	capacity int

	complete bool
	err      error

	readers int
}

// New allocates an empty Buffer with InitialCapacity backing storage.
func New() *Buffer {
	b := &Buffer{
		bytes:    make([]byte, InitialCapacity),
		capacity: InitialCapacity,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Append copies chunk onto the end of the log, growing capacity by doubling
// if needed. It reports false if the append would cross MaxResponseSize, in
// which case the buffer is latched into its terminal error state as a side
// effect. Append is producer-only; it must never be called concurrently
// from more than one goroutine.
func (b *Buffer) Append(chunk []byte) bool {
	if len(chunk) == 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.complete {
		return false
	}

	needed := b.size + len(chunk)
	if needed > MaxResponseSize {
		b.err = ErrTooLarge
		b.complete = true
		b.cond.Broadcast()
		return false
	}

	if needed > b.capacity {
		newCap := b.capacity
		for newCap < needed {
			newCap *= 2
		}
		grown := make([]byte, newCap)
		copy(grown, b.bytes[:b.size])
		b.bytes = grown
		b.capacity = newCap
	}

	copy(b.bytes[b.size:needed], chunk)
	b.size = needed
	b.cond.Broadcast()
	return true
}

// Complete latches the buffer as successfully finished. Idempotent beyond
// the first call in the sense that later calls are no-ops; producer-only.
func (b *Buffer) Complete() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.complete {
		return
	}
	b.complete = true
	b.cond.Broadcast()
}

// Fail latches the buffer as terminally errored with err. Idempotent;
// producer-only. A nil err is replaced with a generic sentinel so that
// Err() never reports failure as nil.
func (b *Buffer) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.complete {
		return
	}
	if err == nil {
		err = errors.New("streambuffer: producer failed")
	}
	b.err = err
	b.complete = true
	b.cond.Broadcast()
}

// AttachReader registers a new reader against the buffer. Must be paired
// with DetachReader, including on early-exit paths.
func (b *Buffer) AttachReader() {
	b.mu.Lock()
	b.readers++
	b.mu.Unlock()
}

// DetachReader unregisters a reader. It broadcasts on the buffer's condition
// variable so that a goroutine waiting on it for readers to reach zero wakes
// up promptly. CacheIndex eviction waits on the index's own condition
// variable instead and is woken by Index.NotifyReaderDetached.
func (b *Buffer) DetachReader() {
	b.mu.Lock()
	b.readers--
	b.cond.Broadcast()
	b.mu.Unlock()
}

// ReaderCount returns the current number of attached readers.
func (b *Buffer) ReaderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readers
}

// Size returns the current valid prefix length.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// IsComplete reports whether the buffer has reached a terminal state,
// successful or not.
func (b *Buffer) IsComplete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.complete
}

// Err returns the latched terminal error, or nil if the buffer completed
// successfully or is still open.
func (b *Buffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Snapshot returns a copy of the bytes written so far. Intended for
// hit-complete serving, where the whole frozen prefix is written at once
// under a single reader session.
func (b *Buffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.size)
	copy(out, b.bytes[:b.size])
	return out
}

// Stream drains the buffer into sink starting from byte 0, blocking as
// needed until the producer appends more, completes, or fails. It returns
// once the reader has consumed the full successful prefix, once the buffer
// fails with nothing further to drain, or once a write to sink fails. The
// caller must have already called AttachReader and remains responsible for
// calling DetachReader, including when Stream returns an error.
func (b *Buffer) Stream(sink Sink) error {
	sent := 0

	for {
		b.mu.Lock()
		for sent == b.size && !b.complete {
			b.cond.Wait()
		}

		if b.err != nil && sent == b.size {
			b.mu.Unlock()
			return b.err
		}

		l := b.size
		base := b.bytes
		complete := b.complete
		b.mu.Unlock()

		if sent == l {
			if complete {
				return nil
			}
			continue
		}

		n, werr := sink.Write(base[sent:l])

		b.mu.Lock()
		sent += n
		done := b.complete && sent == b.size
		doneErr := b.err
		b.mu.Unlock()

		if werr != nil {
			return werr
		}
		if n == 0 {
			return errors.New("streambuffer: short write")
		}
		if done {
			return doneErr
		}
	}
}
