// Package codec implements the chunked transform layer that sits between the
// raw byte stream and the XML text stream: base64 encode/decode and the
// AES-256-CBC cipher plugin, plus a delimiter-seeking reader used for
// attachment framing.
package codec

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

const base64LineWidth = 60

// ErrBadTransform names a failed transform. No function in this package
// returns it: the transforms keep no sticky bad state, and a decode or
// decrypt failure is returned directly from the call that hit it.
var ErrBadTransform = errors.New("codec: transform is in a bad state")

// lineWrapper inserts a newline every width bytes written, matching the
// historical OpenSSL/PEM 60-character base64 line width.
type lineWrapper struct {
	w     io.Writer
	col   int
	width int
}

func (l *lineWrapper) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		room := l.width - l.col
		chunk := p
		if len(chunk) > room {
			chunk = chunk[:room]
		}
		n, err := l.w.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		l.col += n
		if l.col >= l.width {
			if _, err := l.w.Write([]byte{'\n'}); err != nil {
				return written, err
			}
			l.col = 0
		}
		p = p[n:]
	}
	return written, nil
}

// Base64Writer base64-encodes everything written to it, line-wrapped at 60
// characters, into the wrapped writer. Close must be called to flush the
// final (possibly short) block; it does not close the underlying writer.
type Base64Writer struct {
	enc io.WriteCloser
}

// NewBase64Writer returns a writer that base64-encodes everything written to
// it, line-wrapped at 60 characters, into w.
func NewBase64Writer(w io.Writer) *Base64Writer {
	lw := &lineWrapper{w: w, width: base64LineWidth}
	return &Base64Writer{enc: base64.NewEncoder(base64.StdEncoding, lw)}
}

func (b *Base64Writer) Write(p []byte) (int, error) { return b.enc.Write(p) }

// Close flushes the trailing base64 block. It does not close the underlying writer.
func (b *Base64Writer) Close() error { return b.enc.Close() }

// whitespaceStrippingReader discards '\r', '\n', ' ' and '\t' so that
// line-wrapped base64 (or base64 that has picked up incidental whitespace
// while traversing XML text nodes) decodes cleanly.
type whitespaceStrippingReader struct {
	r *bufio.Reader
}

func (s whitespaceStrippingReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		b, err := s.r.ReadByte()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		switch b {
		case '\r', '\n', ' ', '\t':
			continue
		default:
			p[n] = b
			n++
		}
	}
	return n, nil
}

// NewBase64Reader returns a reader that strips whitespace from r and base64
// decodes the result. Embedded line breaks (from NewBase64Writer's wrap, or
// from XML pretty-printing) are tolerated.
func NewBase64Reader(r io.Reader) io.Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return base64.NewDecoder(base64.StdEncoding, whitespaceStrippingReader{r: br})
}

// DecodeString decodes a complete base64 blob (possibly with embedded
// whitespace) in one shot, the common case for a CipherValue's text content
// which is always read into memory as a single unit.
func DecodeString(s string) ([]byte, error) {
	return io.ReadAll(NewBase64Reader(strings.NewReader(s)))
}

// EncodeString base64-encodes b with 60-character line wrapping, returning
// the result as a single string (embedded newlines included), matching the
// form a CipherValue element's text content takes on the wire.
func EncodeString(b []byte) string {
	var buf bytes.Buffer
	w := NewBase64Writer(&buf)
	_, _ = w.Write(b)
	_ = w.Close()
	return buf.String()
}
