package codec

import (
	"bufio"
	"errors"
	"io"
)

// ErrStreamBusy is returned by xmlio.Writer.StartEncrypt when an encryption
// frame is already open.
var ErrStreamBusy = errors.New("codec: stream already active")

// DelimitedReader implements the set_read_delimiter control knob from §4.1:
// it signals EOF as soon as the delimiter byte is seen, leaving the
// delimiter itself unread in the underlying buffer so the caller (the XML
// parser, or the engine reading an attachment marker) can consume it next.
//
// It is built directly on a *bufio.Reader so it can share buffering state
// with anything else reading from the same underlying stream (notably
// encoding/xml.Decoder, which uses a reader's io.ByteReader methods
// directly instead of wrapping it in another buffer).
type DelimitedReader struct {
	br    *bufio.Reader
	delim byte
	eof   bool
}

// NewDelimitedReader returns a reader over br that stops (returning io.EOF)
// when delim is the next unread byte.
func NewDelimitedReader(br *bufio.Reader, delim byte) *DelimitedReader {
	return &DelimitedReader{br: br, delim: delim}
}

func (d *DelimitedReader) Read(p []byte) (int, error) {
	if d.eof {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	b, err := d.br.Peek(1)
	if err != nil {
		if err == io.EOF {
			d.eof = true
		}
		return 0, err
	}
	if b[0] == d.delim {
		d.eof = true
		return 0, io.EOF
	}

	n := 0
	for n < len(p) {
		b, err := d.br.Peek(1)
		if err != nil || b[0] == d.delim {
			break
		}
		c, _ := d.br.ReadByte()
		p[n] = c
		n++
	}
	return n, nil
}

// ConsumeDelimiter reads and discards exactly one byte, which must equal the
// expected delimiter, from br. Used before reading a raw attachment once the
// XML layer has gone quiescent.
func ConsumeDelimiter(br *bufio.Reader, delim byte) error {
	b, err := br.ReadByte()
	if err != nil {
		return err
	}
	if b != delim {
		return errors.New("codec: expected attachment delimiter not found")
	}
	return nil
}
