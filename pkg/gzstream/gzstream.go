// Package gzstream wraps multi-member gzip framing (spec §4.B) on top of
// a sliced byte stream: explicit sync-flush points that don't end a
// member, explicit finish-and-reset points that do, and the tail-scan
// that locates a trailer's self-describing header without an index.
package gzstream

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/beam-cloud/isptar/pkg/common"
	"github.com/beam-cloud/isptar/pkg/slicedio"
)

// chunkSize mirrors the original's CHUNK buffer size for tail scanning.
const chunkSize = 4096

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Writer produces a multi-member gzip stream: Write feeds uncompressed
// bytes without flushing, Flush(false) syncs to a byte boundary without
// ending the member, and Flush(true) finishes the member and transparently
// starts the next one.
type Writer struct {
	out      io.Writer
	cw       *countWriter
	gz       *gzip.Writer
	level    int
	strategy int
	offset   int64
	totalOut int64
	empty    bool
}

// NewWriter wraps out, starting the first member at compression level.
func NewWriter(out io.Writer, level int) (*Writer, error) {
	w := &Writer{out: out, level: level, empty: true}
	if err := w.resetMember(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) resetMember() error {
	w.cw = &countWriter{w: w.out}
	gz, err := gzip.NewWriterLevel(w.cw, w.level)
	if err != nil {
		return fmt.Errorf("%w: start gzip member: %v", common.ErrFormat, err)
	}
	w.gz = gz
	w.offset = 0
	return nil
}

// Write feeds uncompressed bytes into the current member.
func (w *Writer) Write(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	w.totalOut += int64(len(buf))
	w.empty = false
	n, err := w.gz.Write(buf)
	if err != nil {
		return n, fmt.Errorf("%w: compress: %v", common.ErrFormat, err)
	}
	w.offset = w.cw.n
	return n, nil
}

// Flush syncs pending output to a byte boundary (finish=false) or ends the
// current member and starts a fresh one (finish=true). A flush with
// nothing pending since the last flush is a no-op, matching the reference
// implementation's empty-flush suppression.
func (w *Writer) Flush(finish bool) error {
	if w.empty {
		return nil
	}
	w.empty = true
	if finish {
		if err := w.gz.Close(); err != nil {
			return fmt.Errorf("%w: finish gzip member: %v", common.ErrFormat, err)
		}
		w.offset = w.cw.n
		return w.resetMember()
	}
	if err := w.gz.Flush(); err != nil {
		return fmt.Errorf("%w: flush gzip member: %v", common.ErrFormat, err)
	}
	w.offset = w.cw.n
	return nil
}

// SetLevel finishes the current member and starts the next one at the
// given level. strategy is accepted for parity with the reference
// implementation's deflateParams call but is not honored: neither
// compress/flate nor klauspost/compress expose deflate's filter-strategy
// knob, only the level.
func (w *Writer) SetLevel(level, strategy int) error {
	w.level = level
	w.strategy = strategy
	if w.empty {
		return w.resetMember()
	}
	return w.Flush(true)
}

// Offset forces a non-finishing flush and returns the compressed byte
// count written to the underlying writer since the current member began.
func (w *Writer) Offset() (int64, error) {
	if err := w.Flush(false); err != nil {
		return 0, err
	}
	return w.offset, nil
}

// TotalOut returns the cumulative count of uncompressed bytes fed to
// Write across the stream's lifetime.
func (w *Writer) TotalOut() int64 {
	return w.totalOut
}

// Reader decompresses a single gzip member from an underlying stream,
// consuming at most limit compressed bytes (limit < 0 means unbounded).
type Reader struct {
	in    io.Reader
	lr    *io.LimitedReader
	gz    *gzip.Reader
	pos   int64
	limit int64
}

// NewReader wraps in, positioned at the start of a gzip member.
func NewReader(in io.Reader, limit int64) (*Reader, error) {
	r := &Reader{in: in}
	if err := r.Reset(limit); err != nil {
		return nil, err
	}
	return r, nil
}

// Reset reinitializes the decoder for a new member read from the same
// underlying stream, bounding input to limit compressed bytes.
func (r *Reader) Reset(limit int64) error {
	r.limit = limit
	n := limit
	if n < 0 {
		n = math.MaxInt64
	}
	r.lr = &io.LimitedReader{R: r.in, N: n}
	gz, err := gzip.NewReader(r.lr)
	if err != nil {
		return fmt.Errorf("%w: open gzip member: %v", common.ErrFormat, err)
	}
	gz.Multistream(false)
	r.gz = gz
	r.pos = 0
	return nil
}

// Read decompresses into buf.
func (r *Reader) Read(buf []byte) (int, error) {
	n, err := r.gz.Read(buf)
	r.pos += int64(n)
	return n, err
}

// Seek advances the decompressed read position forward to pos; seeking
// backward is not supported, matching the reference implementation.
func (r *Reader) Seek(pos int64) error {
	if pos < r.pos {
		return fmt.Errorf("%w: cannot seek backward in gzip stream", common.ErrFormat)
	}
	buf := make([]byte, chunkSize)
	for left := pos - r.pos; left > 0; {
		n := int64(len(buf))
		if left < n {
			n = left
		}
		read, err := r.Read(buf[:n])
		if read == 0 {
			return fmt.Errorf("%w: unexpected end of stream", common.ErrFormat)
		}
		left -= int64(read)
		if err != nil && err != io.EOF {
			return fmt.Errorf("%w: seek: %v", common.ErrFormat, err)
		}
	}
	return nil
}

// Pack compresses data as a single, standalone gzip member at the
// maximum compression level.
func Pack(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("%w: init pack: %v", common.ErrFormat, err)
	}
	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("%w: pack: %v", common.ErrFormat, err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("%w: finish pack: %v", common.ErrFormat, err)
	}
	return buf.Bytes(), nil
}

// tailReader is the sliced-stream positioning contract GetHeader needs:
// exactly what *slicedio.Reader provides.
type tailReader interface {
	Seek(sliceID, pos int64, whence int) (slicedio.Offset, error)
	Read(buf []byte) (int, error)
}

// GetHeader scans the last MaxTailSize bytes of a slice-backed stream for
// the trailer's self-describing length, decodes the combined catalog
// listing and trailer member, and returns its key=value pairs (§3
// Trailer, §4.E tail discovery).
func GetHeader(in tailReader) (map[string]string, error) {
	if _, err := in.Seek(0, -int64(common.MaxTailSize), io.SeekEnd); err != nil {
		return nil, fmt.Errorf("%w: seek tail: %v", common.ErrFormat, err)
	}
	inbuf := make([]byte, common.MaxTailSize)
	size, err := readFull(in, inbuf)
	if err != nil {
		return nil, fmt.Errorf("%w: read tail: %v", common.ErrFormat, err)
	}
	if size < common.MinTailSize {
		return nil, fmt.Errorf("%w: failed to get header size", common.ErrFormat)
	}

	for i := size - common.MinTailSize; i >= 0; i-- {
		window := inbuf[i:size]
		partial := tryDecode(window)
		if partial == nil {
			continue
		}
		n, ok := leadingInt(partial)
		if !ok {
			continue
		}
		realHeaderSize := int64(size-i) + n

		if _, err := in.Seek(0, -realHeaderSize, io.SeekEnd); err != nil {
			return nil, fmt.Errorf("%w: seek header: %v", common.ErrFormat, err)
		}
		header, err := decodeExact(in, realHeaderSize)
		if err != nil {
			return nil, err
		}
		return parseHeader(header, realHeaderSize)
	}
	return nil, fmt.Errorf("%w: failed to locate trailer", common.ErrFormat)
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			if err == io.EOF {
				break
			}
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// tryDecode attempts to decode window as a standalone gzip member,
// returning whatever plaintext prefix it could produce.
func tryDecode(window []byte) []byte {
	gz, err := gzip.NewReader(bytes.NewReader(window))
	if err != nil {
		return nil
	}
	gz.Multistream(false)
	out, rerr := io.ReadAll(gz)
	if len(out) == 0 {
		return nil
	}
	if rerr == nil || rerr == io.ErrUnexpectedEOF || rerr == io.EOF {
		return out
	}
	return nil
}

func leadingInt(buf []byte) (int64, bool) {
	i := 0
	for i < len(buf) && buf[i] >= '0' && buf[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(string(buf[:i]), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// decodeExact reads size compressed bytes from in and decompresses them
// as one concatenated gzip stream, returning the full plaintext.
func decodeExact(in tailReader, size int64) (string, error) {
	cr := &countingBoundedReader{in: in, left: size}
	gz, err := gzip.NewReader(cr)
	if err != nil {
		return "", fmt.Errorf("%w: decode header: %v", common.ErrFormat, err)
	}
	gz.Multistream(true)
	out, err := io.ReadAll(gz)
	if err != nil {
		return "", fmt.Errorf("%w: decode header: %v", common.ErrFormat, err)
	}
	return string(out), nil
}

type countingBoundedReader struct {
	in   tailReader
	left int64
}

func (c *countingBoundedReader) Read(buf []byte) (int, error) {
	if c.left <= 0 {
		return 0, io.EOF
	}
	if int64(len(buf)) > c.left {
		buf = buf[:c.left]
	}
	n, err := c.in.Read(buf)
	c.left -= int64(n)
	return n, err
}

// parseHeader splits the decoded trailer text into key=value pairs. The
// final, newline-less field is expected to be named header_size, whose
// value is replaced with realHeaderSize so callers see the actual
// on-disk byte count rather than the value baked into the archive.
func parseHeader(text string, realHeaderSize int64) (map[string]string, error) {
	result := make(map[string]string)
	start := 0
	for {
		eq := strings.IndexByte(text[start:], '=')
		if eq < 0 {
			break
		}
		eq += start
		name := text[start:eq]
		valStart := eq + 1
		nl := strings.IndexByte(text[valStart:], '\n')
		if nl < 0 {
			if name == common.HeaderSize {
				result[name] = strconv.FormatInt(realHeaderSize, 10)
				return result, nil
			}
			break
		}
		nl += valStart
		result[name] = text[valStart:nl]
		start = nl + 1
	}
	return nil, fmt.Errorf("%w: malformed trailer", common.ErrFormat)
}
