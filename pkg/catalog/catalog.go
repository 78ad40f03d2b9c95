// Package catalog implements the read side of an archive: tail
// discovery, trailer parsing, listing iteration, and resolving a
// catalog entry's payload through a chain of base archives (spec §4.E).
package catalog

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/beam-cloud/isptar/pkg/common"
	"github.com/beam-cloud/isptar/pkg/gzstream"
	"github.com/beam-cloud/isptar/pkg/record"
	"github.com/beam-cloud/isptar/pkg/slicedio"
)

// Reader iterates one archive's catalog, chaining to base archives to
// resolve entries an incremental backup stored only by reference.
type Reader struct {
	in      *slicedio.Reader
	listing *gzstream.Reader
	file    *slicedio.Reader
	fileGz  *gzstream.Reader

	base *Reader

	head   map[string]string
	buffer string
	line   string
	info   record.Record

	download slicedio.Hook
}

// Open opens an archive for reading. listPath may be empty, in which
// case the catalog is read from dataPath itself (the common case); it is
// only distinct when a detached listing file (--save-listing) is used as
// the catalog source while payload data still lives in dataPath.
func Open(dataPath, listPath string, download slicedio.Hook) (*Reader, error) {
	r := &Reader{download: download}

	listSource := dataPath
	if listPath != "" {
		listSource = listPath
	}
	r.in = slicedio.NewReader(listSource, download)
	r.file = slicedio.NewReader(dataPath, download)

	head, err := gzstream.GetHeader(r.in)
	if err != nil {
		return nil, err
	}
	if len(head) == 0 {
		return nil, fmt.Errorf("%w: no header found in %s", common.ErrFormat, dataPath)
	}
	r.head = head

	listingSize, err := atoi64(head[common.HeaderListingSize])
	if err != nil {
		return nil, err
	}
	headerSize, err := atoi64(head[common.HeaderSize])
	if err != nil {
		return nil, err
	}
	if _, err := r.in.Seek(0, -(listingSize + headerSize), io.SeekEnd); err != nil {
		return nil, fmt.Errorf("%w: seek listing: %v", common.ErrFormat, err)
	}
	listing, err := gzstream.NewReader(r.in, listingSize)
	if err != nil {
		return nil, err
	}
	r.listing = listing
	return r, nil
}

func atoi64(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad integer header field %q: %v", common.ErrFormat, s, err)
	}
	return n, nil
}

// AddBase chains another archive as this one's base, recursing to the
// deepest existing base so AddBase calls compose in the order given.
func (r *Reader) AddBase(dataPath string, download slicedio.Hook) error {
	if r.base != nil {
		return r.base.AddBase(dataPath, download)
	}
	base, err := Open(dataPath, "", download)
	if err != nil {
		return err
	}
	r.base = base
	return nil
}

// Read advances to the next catalog entry, returning false at the
// listing's terminating blank line or end of stream.
func (r *Reader) Read() (bool, error) {
	pos := strings.IndexByte(r.buffer, '\n')
	for pos < 0 {
		buf := make([]byte, 4096)
		n, err := r.listing.Read(buf)
		if n > 0 {
			r.buffer += string(buf[:n])
			pos = strings.IndexByte(r.buffer, '\n')
		}
		if n == 0 {
			if err != nil && err != io.EOF {
				return false, fmt.Errorf("%w: read listing: %v", common.ErrFormat, err)
			}
			return false, nil
		}
	}
	if pos == 0 {
		return false, nil
	}
	r.line = r.buffer[:pos]
	r.buffer = r.buffer[pos+1:]
	if err := r.info.Parse(r.line); err != nil {
		return false, err
	}
	return true, nil
}

// Info returns the most recently read entry.
func (r *Reader) Info() *record.Record { return &r.info }

// Locator returns the current catalog line's payload locator field
// ("depth:slice:offset:compressed_offset"), the 8th tab-separated field
// that's present only for stored or referenced regular files. Empty if
// the entry carries no payload.
func (r *Reader) Locator() string {
	if r.info.Kind != record.KindFile {
		return ""
	}
	idx := 0
	for i := 0; i < 7; i++ {
		next := strings.IndexByte(r.line[idx:], '\t')
		if next < 0 {
			return ""
		}
		idx += next + 1
	}
	return r.line[idx:]
}

// Header returns a trailer key's value, or "" if absent.
func (r *Reader) Header(name string) string {
	return r.head[name]
}

// Data resolves the current entry's payload stream.
func (r *Reader) Data() (io.Reader, error) {
	locator := r.Locator()
	if locator == "" {
		return nil, fmt.Errorf("%w: no payload locator for %s", common.ErrFormat, r.info.Filename)
	}
	depthStr, rest := splitFirst(locator, ':')
	depth, err := strconv.Atoi(depthStr)
	if err != nil {
		return nil, fmt.Errorf("%w: bad locator depth in %q: %v", common.ErrFormat, locator, err)
	}
	return r.getData(depth, rest, r.info.Size)
}

func (r *Reader) getData(depth int, rest string, size int64) (io.Reader, error) {
	if depth > 0 {
		if r.base == nil {
			return nil, fmt.Errorf("%w: no base archive for depth %d reference", common.ErrFormat, depth)
		}
		return r.base.getData(depth-1, rest, size)
	}
	sliceStr, rest2 := splitFirst(rest, ':')
	posStr, _ := splitFirst(rest2, ':')
	sliceID, err := strconv.ParseInt(sliceStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad slice id in locator: %v", common.ErrFormat, err)
	}
	pos, err := strconv.ParseInt(posStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad slice offset in locator: %v", common.ErrFormat, err)
	}
	if _, err := r.file.Seek(sliceID, pos, io.SeekStart); err != nil {
		return nil, err
	}
	if r.fileGz == nil {
		gz, err := gzstream.NewReader(r.file, -1)
		if err != nil {
			return nil, err
		}
		r.fileGz = gz
	} else if err := r.fileGz.Reset(-1); err != nil {
		return nil, err
	}
	return &io.LimitedReader{R: r.fileGz, N: size}, nil
}

func splitFirst(s string, sep byte) (string, string) {
	if i := strings.IndexByte(s, sep); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// Close releases the underlying slice readers, including any base chain.
func (r *Reader) Close() error {
	if r.base != nil {
		r.base.Close()
	}
	r.in.Close()
	return r.file.Close()
}
