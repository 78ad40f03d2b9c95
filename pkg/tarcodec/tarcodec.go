// Package tarcodec implements the low-level USTAR writer the archive
// format builds its entries from (spec §4.C). It exposes the
// "bytes left in the current header" bookkeeping the sender needs to
// interleave payload writes — from a raw file or a relayed base
// archive — with the gzip stream's explicit flush points, something
// archive/tar's higher-level Writer.Write doesn't expose.
package tarcodec

import (
	"fmt"
	"io"

	"github.com/beam-cloud/isptar/pkg/common"
	"github.com/beam-cloud/isptar/pkg/record"
)

const blockSize = 512

const (
	longLinkName     = "././@LongLink"
	longLinkLinkType = 'K'
	longLinkFileType = 'L'
)

const (
	tarMagic   = "ustar"
	tarVersion = "00"
)

// header mirrors the 512-byte USTAR on-disk layout byte for byte.
type header struct {
	name     [100]byte
	mode     [8]byte
	uid      [8]byte
	gid      [8]byte
	size     [12]byte
	mtime    [12]byte
	chksum   [8]byte
	typeflag [1]byte
	linkname [100]byte
	magic    [6]byte
	version  [2]byte
	uname    [32]byte
	gname    [32]byte
	devmajor [8]byte
	devminor [8]byte
	prefix   [155]byte
	unused   [12]byte
}

func (h *header) bytes() []byte {
	buf := make([]byte, blockSize)
	n := 0
	put := func(field []byte) {
		copy(buf[n:], field)
		n += len(field)
	}
	put(h.name[:])
	put(h.mode[:])
	put(h.uid[:])
	put(h.gid[:])
	put(h.size[:])
	put(h.mtime[:])
	put(h.chksum[:])
	put(h.typeflag[:])
	put(h.linkname[:])
	put(h.magic[:])
	put(h.version[:])
	put(h.uname[:])
	put(h.gname[:])
	put(h.devmajor[:])
	put(h.devminor[:])
	put(h.prefix[:])
	put(h.unused[:])
	return buf
}

func putOctal(field []byte, value int64) {
	s := fmt.Sprintf("%0*o ", len(field)-1, value)
	copy(field, s)
}

// putSize writes size in the standard octal format, falling back to
// GNU base-256 encoding for values too large to fit (§4.C, spec.md §3
// edge case: sizes at or beyond 2^33).
func putSize(field []byte, size int64) {
	const maxOctal = 1 << 33 // 8 GiB, the largest value 11 octal digits + NUL can hold
	if size < maxOctal {
		s := fmt.Sprintf("%0*o", len(field), size)
		copy(field, s)
		return
	}
	field[0] = 0x80
	v := uint64(size)
	for i := len(field) - 1; i >= 1; i-- {
		field[i] = byte(v & 0xFF)
		v >>= 8
	}
}

func checksum(buf []byte) int {
	sum := 0
	for i, b := range buf {
		if i >= 148 && i < 156 {
			sum += ' '
		} else {
			sum += int(b)
		}
	}
	return sum
}

// Writer emits a raw USTAR byte stream. It tracks how many payload bytes
// remain for the most recently added header, so callers can interleave
// WriteData calls fed from different sources (filesystem reads, relayed
// base-archive bytes) around explicit flush points in the underlying
// compressor.
type Writer struct {
	out  io.Writer
	left int64
	tail int64
}

// NewWriter wraps out.
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

// Add finishes the previous entry's padding and writes r's header,
// including any LongLink entries r's name or link target require.
func (w *Writer) Add(r *record.Record) error {
	if err := w.WriteTail(false); err != nil {
		return err
	}

	var h header
	copy(h.magic[:], tarMagic)
	copy(h.version[:], tarVersion)
	for i := range h.chksum {
		h.chksum[i] = ' '
	}

	switch r.Kind {
	case record.KindChar, record.KindBlock:
		putOctal(h.devmajor[:], int64(r.Devmajor))
		putOctal(h.devminor[:], int64(r.Devminor))
	case record.KindSymlink, record.KindHard:
		if len(r.Linkname) <= len(h.linkname) {
			copy(h.linkname[:], r.Linkname)
		} else {
			copy(h.linkname[:], r.Linkname)
			if err := w.longLink(r, r.Linkname, longLinkLinkType); err != nil {
				return err
			}
		}
	}

	if len(r.Filename) <= len(h.name) {
		copy(h.name[:], r.Filename)
	} else if pos := splitPos(r.Filename, len(h.name)); pos >= 0 && pos <= len(h.prefix) {
		copy(h.name[:], r.Filename[pos+1:])
		copy(h.prefix[:], r.Filename[:pos])
	} else {
		copy(h.name[:], r.Filename)
		if err := w.longLink(r, r.Filename, longLinkFileType); err != nil {
			return err
		}
	}

	size := int64(0)
	if r.Kind == record.KindFile {
		size = r.Size
	}
	putSize(h.size[:], size)
	putOctal(h.mode[:], int64(r.Mode))
	putOctal(h.uid[:], int64(r.Uid))
	putOctal(h.gid[:], int64(r.Gid))
	copy(h.uname[:], r.User)
	copy(h.gname[:], r.Group)
	h.typeflag[0] = byte(r.Kind)
	mtimeField := make([]byte, len(h.mtime))
	copy(mtimeField, fmt.Sprintf("%0*o", len(h.mtime), r.Time))
	copy(h.mtime[:], mtimeField)

	buf := h.bytes()
	sum := checksum(buf)
	copy(h.chksum[:], fmt.Sprintf("%06o", sum))
	buf = h.bytes()

	if _, err := w.out.Write(buf); err != nil {
		return fmt.Errorf("%w: write header for %s: %v", common.ErrFormat, r.Filename, err)
	}

	w.left = size
	w.tail = size % blockSize
	if w.tail != 0 {
		w.tail = blockSize - w.tail
	}
	return nil
}

// splitPos finds the first '/' at or after offset len(name)-nameLimit, the
// boundary a too-long name can split across USTAR's name/prefix fields.
func splitPos(name string, nameLimit int) int {
	start := len(name) - nameLimit
	if start < 0 {
		start = 0
	}
	for i := start; i < len(name); i++ {
		if name[i] == '/' {
			return i
		}
	}
	return -1
}

func (w *Writer) longLink(r *record.Record, value string, kind byte) error {
	value += "\x00"
	link := &record.Record{
		Filename: longLinkName,
		Mode:     r.Mode,
		Size:     int64(len(value)),
		Kind:     record.Kind(kind),
		Uid:      r.Uid,
		Gid:      r.Gid,
	}
	if err := w.Add(link); err != nil {
		return err
	}
	if err := w.WriteDataBytes([]byte(value)); err != nil {
		return err
	}
	return w.WriteTail(false)
}

// DataLeft returns how many bytes of the current entry's payload remain,
// capped to bufferSize when bufferSize >= 0.
func (w *Writer) DataLeft(bufferSize int64) int64 {
	if bufferSize >= 0 && bufferSize < w.left {
		return bufferSize
	}
	return w.left
}

// WriteDataBytes writes up to len(value) bytes of the current entry's
// payload directly.
func (w *Writer) WriteDataBytes(value []byte) error {
	n := w.DataLeft(int64(len(value)))
	w.left -= n
	if _, err := w.out.Write(value[:n]); err != nil {
		return fmt.Errorf("%w: write payload: %v", common.ErrFormat, err)
	}
	return nil
}

// WriteData copies the current entry's remaining payload from in.
func (w *Writer) WriteData(in io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n := w.DataLeft(int64(len(buf)))
		if n == 0 {
			return nil
		}
		read, err := in.Read(buf[:n])
		if read > 0 {
			w.left -= int64(read)
			if _, werr := w.out.Write(buf[:read]); werr != nil {
				return fmt.Errorf("%w: write payload: %v", common.ErrFormat, werr)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("%w: read payload: %v", common.ErrFormat, err)
		}
	}
}

// AddDone records that done bytes of the current entry's payload were
// already written by some other path (e.g. relayed straight from a base
// archive's gzip stream without passing through WriteData).
func (w *Writer) AddDone(done int64) {
	w.left -= done
}

// WriteTail pads the current entry out to a block boundary. finish also
// appends the two zero blocks that mark the end of the archive.
func (w *Writer) WriteTail(finish bool) error {
	w.left += w.tail
	if w.left > 0 {
		buf := make([]byte, 32*1024)
		for {
			n := w.DataLeft(int64(len(buf)))
			if n == 0 {
				break
			}
			if _, err := w.out.Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: write padding: %v", common.ErrFormat, err)
			}
			w.left -= n
		}
		w.tail = 0
	}
	if finish {
		zero := make([]byte, 2*blockSize)
		if _, err := w.out.Write(zero); err != nil {
			return fmt.Errorf("%w: write end marker: %v", common.ErrFormat, err)
		}
	}
	return nil
}
