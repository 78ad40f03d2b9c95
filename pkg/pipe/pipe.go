// Package pipe implements the length-prefixed client/server framing used
// by the "client" and "server" commands to move a catalog entry's info
// and payload across a plain byte pipe, e.g. over ssh (spec §4.H).
//
// Every frame is a little-endian int16 length followed by that many
// bytes. A zero-length info frame marks end of stream; a zero-length
// data chunk marks end of one entry's payload.
package pipe

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/beam-cloud/isptar/pkg/common"
	"github.com/beam-cloud/isptar/pkg/record"
)

// chunkSize caps each data frame, comfortably under int16's range.
const chunkSize = 16 * 1024

func writeInt16(w io.Writer, v int16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(v))
	_, err := w.Write(buf[:])
	return err
}

func readInt16(r io.Reader, v *int16) error {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	*v = int16(binary.LittleEndian.Uint16(buf[:]))
	return nil
}

// ClientSender sends catalog entries to a peer process's stdin and reads
// its stdout for per-entry accept/reject and the framed payload request,
// implementing the same Sender shape the walker drives locally.
type ClientSender struct {
	w    io.Writer
	r    io.Reader
	size int64
}

// NewClientSender wraps w (the peer's stdin) and r (the peer's stdout).
func NewClientSender(w io.Writer, r io.Reader) *ClientSender {
	return &ClientSender{w: w, r: r}
}

// SendInfo frames and sends info, then reads back whether the peer wants
// the payload.
func (c *ClientSender) SendInfo(info *record.Record) (bool, error) {
	line := info.Str()
	if len(line) > 0x7fff {
		return false, fmt.Errorf("%w: catalog line too long to frame (%d bytes)", common.ErrFormat, len(line))
	}
	if err := writeInt16(c.w, int16(len(line))); err != nil {
		return false, fmt.Errorf("%w: send info length: %v", common.ErrFormat, err)
	}
	if _, err := io.WriteString(c.w, line); err != nil {
		return false, fmt.Errorf("%w: send info: %v", common.ErrFormat, err)
	}
	var ack int16
	if err := readInt16(c.r, &ack); err != nil {
		return false, fmt.Errorf("%w: read info ack: %v", common.ErrFormat, err)
	}
	c.size = info.Size
	return ack != 0, nil
}

// SendData streams in's bytes as a sequence of length-prefixed chunks,
// stopping once info.Size bytes (recorded by the last SendInfo call) have
// been sent or in runs dry early.
func (c *ClientSender) SendData(in io.Reader) error {
	buf := make([]byte, chunkSize)
	for c.size > 0 {
		n := int64(len(buf))
		if n > c.size {
			n = c.size
		}
		read, err := in.Read(buf[:n])
		if read > 0 {
			if err := writeInt16(c.w, int16(read)); err != nil {
				return fmt.Errorf("%w: send chunk length: %v", common.ErrFormat, err)
			}
			if _, werr := c.w.Write(buf[:read]); werr != nil {
				return fmt.Errorf("%w: send chunk: %v", common.ErrFormat, werr)
			}
			c.size -= int64(read)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("%w: read payload: %v", common.ErrFormat, err)
		}
		if read == 0 {
			break
		}
	}
	return writeInt16(c.w, 0)
}

// Finish sends the zero-length info frame that marks end of stream.
func (c *ClientSender) Finish() error {
	return writeInt16(c.w, 0)
}

// WriteResponse sends the server's one-frame accept/reject reply to a
// client's SendInfo, the counterpart ClientSender.SendInfo reads as ack.
func WriteResponse(w io.Writer, accept bool) error {
	var v int16
	if accept {
		v = 1
	}
	return writeInt16(w, v)
}

// ReadInfo reads one framed catalog line from r. ok is false at the
// end-of-stream marker.
func ReadInfo(r io.Reader) (info *record.Record, ok bool, err error) {
	var size int16
	if err := readInt16(r, &size); err != nil {
		return nil, false, fmt.Errorf("%w: read info length: %v", common.ErrFormat, err)
	}
	if size == 0 {
		return nil, false, nil
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, false, fmt.Errorf("%w: read info: %v", common.ErrFormat, err)
	}
	info = &record.Record{}
	if err := info.Parse(string(buf)); err != nil {
		return nil, false, err
	}
	return info, true, nil
}

// ChunkReader reads the length-prefixed payload chunks SendData writes,
// presenting them as a plain io.Reader for the server's TarSender.
type ChunkReader struct {
	r    io.Reader
	left int16
}

// NewChunkReader wraps r (the peer's stdin).
func NewChunkReader(r io.Reader) *ChunkReader {
	return &ChunkReader{r: r}
}

// DrainTerminator consumes the zero-length chunk frame SendData always
// writes after an entry's payload. A TarSender.SendData call only reads
// as many chunks as the entry's declared size needs, so the wire's
// closing marker is left unread until the caller drains it here, before
// the next ReadInfo call would otherwise mistake it for end of stream.
func (c *ChunkReader) DrainTerminator() error {
	if c.left != 0 {
		return fmt.Errorf("%w: chunk reader not at a frame boundary", common.ErrFormat)
	}
	if err := readInt16(c.r, &c.left); err != nil {
		return fmt.Errorf("%w: read chunk terminator: %v", common.ErrFormat, err)
	}
	if c.left != 0 {
		return fmt.Errorf("%w: expected empty terminator chunk, got %d bytes", common.ErrFormat, c.left)
	}
	return nil
}

func (c *ChunkReader) Read(buf []byte) (int, error) {
	if c.left == 0 {
		if err := readInt16(c.r, &c.left); err != nil {
			return 0, fmt.Errorf("%w: read chunk length: %v", common.ErrFormat, err)
		}
		if c.left == 0 {
			return 0, io.EOF
		}
	}
	n := len(buf)
	if n > int(c.left) {
		n = int(c.left)
	}
	read, err := c.r.Read(buf[:n])
	if read > 0 {
		c.left -= int16(read)
	}
	return read, err
}
