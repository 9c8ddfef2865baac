// Package zeroize provides a secret buffer that overwrites its contents
// when Zero is called, used for passphrases, and ZeroBytes for
// intermediate derived keys that must never persist beyond the call that
// needs them (spec invariant I2). Nothing is zeroed automatically: a
// Buffer keeps its contents until Zero runs.
package zeroize

import "crypto/subtle"

// Buffer holds secret bytes and can be explicitly zeroed. A Buffer is not
// safe for concurrent use without external synchronization; callers that
// share a Buffer across goroutines must guard it themselves.
type Buffer struct {
	b     []byte
	freed bool
}

// New copies src into a new Buffer. The caller retains ownership of src.
func New(src []byte) *Buffer {
	b := make([]byte, len(src))
	copy(b, src)
	return &Buffer{b: b}
}

// NewFromString copies the bytes of a string into a new Buffer.
func NewFromString(s string) *Buffer {
	return New([]byte(s))
}

// Bytes returns the live secret bytes. The returned slice aliases the
// Buffer's storage; callers must not retain it past Zero.
func (b *Buffer) Bytes() []byte {
	if b.freed {
		return nil
	}
	return b.b
}

// Len returns the number of bytes currently held.
func (b *Buffer) Len() int {
	return len(b.b)
}

// Zero overwrites every byte with zero and marks the buffer freed.
// Safe to call more than once.
func (b *Buffer) Zero() {
	if b.freed {
		return
	}
	zero := make([]byte, len(b.b))
	subtle.ConstantTimeCopy(1, b.b, zero)
	b.freed = true
}

// ZeroBytes overwrites an arbitrary byte slice in place. Used for
// intermediate keys (e.g. master/dataset keys) that are never wrapped in
// a Buffer because they live only for the duration of one derivation call.
func ZeroBytes(b []byte) {
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
}
