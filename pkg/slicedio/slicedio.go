// Package slicedio implements the sliced byte stream (spec §4.A): a
// backup's byte stream is split across one or more fixed-size files
// sharing a base name, with transparent write rollover, cross-slice
// reads, end-relative seeking, and hook-driven fetch/upload of slices
// that live remotely.
package slicedio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/isptar/pkg/common"
)

// Hook contexts (§6 Hook command template, §3 Lifecycle).
const (
	ContextOperation = "operation"
	ContextInit      = "init"
	ContextLastSlice = "last_slice"
)

// Hook is invoked to materialize a missing slice (download) or to push a
// finished one to its destination (upload). filename is the slice's local
// path; context is one of the Context* constants.
type Hook func(filename string, context string) error

// Offset identifies a byte position in a sliced stream (§3 Slice position).
type Offset struct {
	Slice int64
	Byte  int64
}

// Size returns the number of bytes between a and b, given the slice size
// used to produce both offsets (§3: size(a,b) = (b.slice-a.slice)*slice_size + b.byte-a.byte).
func (a Offset) Size(b Offset, sliceSize int64) int64 {
	return (b.Slice-a.Slice)*sliceSize + b.Byte - a.Byte
}

func partName(base string, id int64) string {
	return base + common.SliceSeparator + strconv.FormatInt(id, 10)
}

// Writer appends to a sliced stream, rolling over to a new part file
// whenever the current slice would overflow sliceSize.
type Writer struct {
	baseName  string
	sliceSize int64
	sliceID   int64
	file      *os.File
	offset    int64
	hook      Hook
}

// NewWriter creates (or truncates) baseName as the first slice. hook may
// be nil, in which case slices are never uploaded automatically.
func NewWriter(baseName string, sliceSize int64, hook Hook) (*Writer, error) {
	f, err := os.OpenFile(baseName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: create slice %s: %v", common.ErrSlice, baseName, err)
	}
	return &Writer{
		baseName:  baseName,
		sliceSize: sliceSize,
		sliceID:   1,
		file:      f,
		hook:      hook,
	}, nil
}

// Write appends buf, rolling over to new slices as needed (§4.A Write side).
func (w *Writer) Write(buf []byte) (int, error) {
	written := 0
	for {
		left := w.sliceSize - w.offset
		if left >= int64(len(buf)) {
			n, err := w.file.Write(buf)
			w.offset += int64(n)
			written += n
			if err != nil {
				return written, fmt.Errorf("%w: write to slice %d: %v", common.ErrSlice, w.sliceID, err)
			}
			return written, nil
		}

		if left > 0 {
			n, err := w.file.Write(buf[:left])
			w.offset += int64(n)
			written += n
			buf = buf[n:]
			if err != nil {
				return written, fmt.Errorf("%w: write to slice %d: %v", common.ErrSlice, w.sliceID, err)
			}
		}

		if err := w.rollover(); err != nil {
			return written, err
		}
	}
}

func (w *Writer) rollover() error {
	finishedName := partName(w.baseName, w.sliceID)

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("%w: close slice %d: %v", common.ErrSlice, w.sliceID, err)
	}

	if w.sliceID == 1 {
		if err := os.Rename(w.baseName, finishedName); err != nil {
			return fmt.Errorf("%w: rename %s to %s: %v", common.ErrSlice, w.baseName, finishedName, err)
		}
	}

	if w.hook != nil {
		log.Debug().Str("slice", finishedName).Msg("uploading finished slice")
		if err := w.hook(finishedName, ContextOperation); err != nil {
			return fmt.Errorf("%w: upload %s: %v", common.ErrSlice, finishedName, err)
		}
	}

	w.sliceID++
	next := partName(w.baseName, w.sliceID)
	f, err := os.OpenFile(next, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return fmt.Errorf("%w: create slice %s: %v", common.ErrSlice, next, err)
	}
	w.file = f
	w.offset = 0
	return nil
}

// Offset returns the writer's current slice position.
func (w *Writer) Offset() Offset {
	return Offset{Slice: w.sliceID, Byte: w.offset}
}

// Finish uploads the last (current) slice via hook, if set, and closes it.
func (w *Writer) Finish() error {
	name := w.baseName
	if w.sliceID > 1 {
		name = partName(w.baseName, w.sliceID)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("%w: close final slice: %v", common.ErrSlice, err)
	}
	if w.hook != nil {
		if err := w.hook(name, ContextLastSlice); err != nil {
			return fmt.Errorf("%w: upload final slice %s: %v", common.ErrSlice, name, err)
		}
	}
	return nil
}

// Reader reads a sliced stream sequentially, opening successive slices as
// each is exhausted, and fetching missing slices through hook.
type Reader struct {
	baseName string
	sliceID  int64
	file     *os.File
	lock     *flock.Flock
	hook     Hook
	lastPath string // most recently hook-fetched slice, unlinked once superseded
}

// NewReader prepares a reader against baseName. The first slice is opened
// lazily on the first Read or Seek.
func NewReader(baseName string, hook Hook) *Reader {
	return &Reader{baseName: baseName, hook: hook}
}

func lockShared(path string) (*os.File, *flock.Flock, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, nil, err
	}
	lk := flock.New(path)
	locked, err := lk.TryRLock()
	if err != nil || !locked {
		f.Close()
		if err == nil {
			err = fmt.Errorf("slice %s is locked", path)
		}
		return nil, nil, err
	}
	return f, lk, nil
}

// open locks and opens filename, invoking the download hook on ENOENT.
func (r *Reader) open(filename string) (*os.File, *flock.Flock, error) {
	f, lk, err := lockShared(filename)
	if err == nil {
		return f, lk, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, err
	}
	if r.hook == nil {
		return nil, nil, nil
	}
	r.deleteLast()
	log.Debug().Str("slice", filename).Msg("fetching missing slice")
	if err := r.hook(filename, ContextOperation); err != nil {
		return nil, nil, fmt.Errorf("%w: fetch %s: %v", common.ErrSlice, filename, err)
	}
	f, lk, err = lockShared(filename)
	if err != nil {
		return nil, nil, nil
	}
	r.lastPath = filename
	return f, lk, nil
}

func (r *Reader) deleteLast() {
	if r.lastPath != "" {
		os.Remove(r.lastPath)
		r.lastPath = ""
	}
}

func (r *Reader) reset(f *os.File, lk *flock.Flock) {
	if r.file != nil {
		r.file.Close()
	}
	if r.lock != nil {
		r.lock.Unlock()
	}
	r.file = f
	r.lock = lk
}

// lookupLastSlice scans dir for basename.partN siblings, returning the
// largest N, 0 if basename itself exists unpartitioned, or -1 if neither
// is present (§4.A Read side, SEEK_END).
func lookupLastSlice(dir, base string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return -1, nil
		}
		return -1, err
	}
	prefix := base + common.SliceSeparator
	best := int64(-1)
	for _, e := range entries {
		name := e.Name()
		if name == base {
			return 0, nil
		}
		if strings.HasPrefix(name, prefix) {
			n, err := strconv.ParseInt(name[len(prefix):], 10, 64)
			if err == nil && n > best {
				best = n
			}
		}
	}
	return best, nil
}

// openLast opens the last existing slice, invoking the init hook to
// materialize a missing tail when nothing matches locally.
func (r *Reader) openLast() error {
	r.sliceID = 1
	if f, lk, err := r.open(r.baseName); err != nil {
		return err
	} else if f != nil {
		r.reset(f, lk)
		return nil
	}

	dir := filepath.Dir(r.baseName)
	base := filepath.Base(r.baseName)
	last, err := lookupLastSlice(dir, base)
	if err != nil {
		return fmt.Errorf("%w: scan %s: %v", common.ErrSlice, dir, err)
	}
	if last == -1 {
		if r.hook == nil {
			return fmt.Errorf("%w: %s not found", common.ErrSlice, r.baseName)
		}
		if err := r.hook(r.baseName+common.SliceSeparator+"0", ContextInit); err != nil {
			return fmt.Errorf("%w: init fetch %s: %v", common.ErrSlice, r.baseName, err)
		}
		last, err = lookupLastSlice(dir, base)
		if err != nil || last == -1 {
			return fmt.Errorf("%w: %s not found after init hook", common.ErrSlice, r.baseName)
		}
	}
	r.sliceID = last
	name := r.baseName
	if last > 0 {
		name = partName(r.baseName, last)
	}
	f, lk, err := r.open(name)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("%w: %s not found", common.ErrSlice, name)
	}
	r.reset(f, lk)
	return nil
}

// Read fills buf from the current slice, opening the next slice on EOF
// (§4.A Read side).
func (r *Reader) Read(buf []byte) (int, error) {
	if r.file == nil {
		if err := r.Seek(1, 0, io.SeekStart); err != nil {
			return 0, err
		}
	}
	n, err := r.file.Read(buf)
	if n > 0 || (err != nil && err != io.EOF) {
		return n, err
	}

	next := r.sliceID + 1
	f, lk, oerr := r.open(partName(r.baseName, next))
	if oerr != nil {
		return 0, oerr
	}
	if f == nil {
		return 0, io.EOF
	}
	r.sliceID = next
	r.reset(f, lk)
	return r.file.Read(buf)
}

// Seek implements the three addressing modes of §4.A Read side.
// SEEK_CUR is unused by the design and is not implemented.
func (r *Reader) Seek(sliceID, pos int64, whence int) (Offset, error) {
	switch whence {
	case io.SeekStart:
		if r.file == nil || r.sliceID != sliceID {
			r.sliceID = sliceID
			var f *os.File
			var lk *flock.Flock
			var err error
			if sliceID == 1 {
				f, lk, err = r.open(r.baseName)
			}
			if err == nil && f == nil {
				f, lk, err = r.open(partName(r.baseName, sliceID))
			}
			if err != nil {
				return Offset{}, err
			}
			if f == nil {
				return Offset{}, fmt.Errorf("%w: slice %d not found", common.ErrSlice, sliceID)
			}
			r.reset(f, lk)
		}
		off, err := r.file.Seek(pos, io.SeekStart)
		if err != nil {
			return Offset{}, fmt.Errorf("%w: seek slice %d: %v", common.ErrSlice, sliceID, err)
		}
		return Offset{Slice: sliceID, Byte: off}, nil

	case io.SeekEnd:
		if err := r.openLast(); err != nil {
			return Offset{}, err
		}
		length, err := r.file.Seek(0, io.SeekEnd)
		if err != nil {
			return Offset{}, fmt.Errorf("%w: seek end: %v", common.ErrSlice, err)
		}
		for length < -pos {
			prev := r.sliceID - 1
			f, lk, err := r.open(partName(r.baseName, prev))
			if err != nil {
				return Offset{}, err
			}
			if f == nil {
				return Offset{}, fmt.Errorf("%w: slice %d not found", common.ErrSlice, prev)
			}
			r.sliceID = prev
			r.reset(f, lk)
			pos += length
			length, err = r.file.Seek(0, io.SeekEnd)
			if err != nil {
				return Offset{}, fmt.Errorf("%w: seek end: %v", common.ErrSlice, err)
			}
		}
		off, err := r.file.Seek(pos, io.SeekEnd)
		if err != nil {
			return Offset{}, fmt.Errorf("%w: seek offset: %v", common.ErrSlice, err)
		}
		return Offset{Slice: r.sliceID, Byte: off}, nil

	default:
		return Offset{}, fmt.Errorf("%w: unsupported seek whence %d", common.ErrSlice, whence)
	}
}

// Close releases the current slice's lock and file handle, and unlinks a
// hook-fetched slice that was never superseded.
func (r *Reader) Close() error {
	r.deleteLast()
	if r.lock != nil {
		r.lock.Unlock()
	}
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
