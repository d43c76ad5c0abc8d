package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxLineSize bounds a single message.
const MaxLineSize = 32 << 20

// ErrLineTooLong is returned when a message exceeds MaxLineSize.
var ErrLineTooLong = errors.New("protocol: line exceeds maximum size")

// Encoder writes one JSON message per line. Each message is written with a
// single Write call under a lock, so concurrent writers never interleave.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals v and writes it followed by a newline.
func (e *Encoder) Encode(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	b = append(b, '\n')
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(b); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// WriteEOF writes the empty line that tells a server to shut down.
func (e *Encoder) WriteEOF() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.w.Write([]byte{'\n'})
	return err
}

// Decoder reads newline-delimited messages.
type Decoder struct {
	r     *bufio.Reader
	limit int
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return newDecoderSize(r, MaxLineSize)
}

func newDecoderSize(r io.Reader, limit int) *Decoder {
	if limit <= 0 {
		limit = MaxLineSize
	}
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024), limit: limit}
}

// ReadLine returns the next line with surrounding whitespace trimmed.
// It blocks until a full line or EOF is available. A final line without a
// trailing newline is returned before io.EOF.
//
// A line longer than the limit is consumed up to its newline and reported as
// ErrLineTooLong, so the next call starts at the following message.
func (d *Decoder) ReadLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		if len(buf)+len(chunk) > d.limit {
			if errors.Is(err, bufio.ErrBufferFull) {
				d.skipLine()
			}
			return nil, ErrLineTooLong
		}
		buf = append(buf, chunk...)
		switch {
		case err == nil:
			return bytes.TrimSpace(buf), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(bytes.TrimSpace(buf)) > 0:
			return bytes.TrimSpace(buf), nil
		default:
			return nil, err
		}
	}
}

// skipLine discards input through the next newline or the end of input.
func (d *Decoder) skipLine() {
	for {
		if _, err := d.r.ReadSlice('\n'); !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}
