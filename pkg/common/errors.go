// Package common holds types and helpers shared across the isptar
// packages: sentinel errors, on-disk format constants, the alpha-slash
// comparator, CLI size/name helpers and the etc/isptar.conf reader.
package common

import "errors"

var (
	// ErrFormat marks a format error (§7.1): a trailer that could not be
	// located, a corrupt gzip member, a malformed TAR header, or a
	// locator pointing outside its archive's bounds. Always fatal.
	ErrFormat = errors.New("isptar: archive format error")

	// ErrSlice marks a slice error (§7.2): a missing slice with no hook
	// (or a hook that failed), a failed advisory lock, or a short read
	// from a slice file. Fatal, but distinguished from ErrFormat so
	// merge/split/extract callers can surface an operator-actionable
	// message ("fetch the missing slice") instead of "archive is corrupt".
	ErrSlice = errors.New("isptar: slice error")

	// ErrUsage marks a usage error (§7.4): a CLI invocation with a bad
	// shape (missing required argument, conflicting flags).
	ErrUsage = errors.New("isptar: usage error")
)
