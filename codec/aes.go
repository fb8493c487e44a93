package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// KeySize is the key length required for AES-256-CBC.
const KeySize = 32

// IVSize is the AES block size, and therefore the CBC initialization vector
// length.
const IVSize = aes.BlockSize

// Cipher describes a cipher plugin's xmlenc metadata: a name for the
// EncryptionMethod/@Algorithm and an optional recipient identity (surfaced
// in KeyInfo/KeyName). Encryption and decryption are methods of the
// concrete type (AESCBC), not of this interface.
type Cipher interface {
	// Name is the xmlenc algorithm identifier, e.g. "aes-256-cbc".
	Name() string
	// Recipients returns how many recipient key slots this cipher carries.
	// AESCBC always reports exactly one.
	Recipients() int
	// RecipientID returns the opaque identifier (KeyName payload) for the
	// recipient at pos.
	RecipientID(pos int) string
}

// AESCBC implements AES-256-CBC as described in §4.1: encryption prepends a
// fresh 16-byte IV to the ciphertext when WriteIV is set (NewAESCBC sets
// it, so every encryption frame carries its IV); decryption always expects the IV
// as the first 16 bytes of the input.
type AESCBC struct {
	Key         []byte
	IV          []byte
	recipientID string
	WriteIV     bool
}

// NewAESCBC builds an AESCBC plugin with a fresh random IV, ready to
// encrypt. recipientID becomes the cipher's KeyName advertisement.
func NewAESCBC(key []byte, recipientID string) (*AESCBC, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("codec: generating IV: %w", err)
	}
	return &AESCBC{Key: key, IV: iv, recipientID: recipientID, WriteIV: true}, nil
}

// NewAESCBCDecrypt builds an AESCBC plugin for decrypting a ciphertext whose
// first IVSize bytes are the IV (the wire form produced by WriteIV).
func NewAESCBCDecrypt(key []byte, recipientID string) *AESCBC {
	return &AESCBC{Key: key, recipientID: recipientID}
}

func (c *AESCBC) Name() string          { return "aes-256-cbc" }
func (c *AESCBC) Recipients() int       { return 1 }
func (c *AESCBC) RecipientID(int) string { return c.recipientID }

func pkcs7Pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("codec: ciphertext not block aligned")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("codec: invalid padding")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("codec: invalid padding")
		}
	}
	return b[:len(b)-n], nil
}

// Encrypt pads plaintext with PKCS#7 and CBC-encrypts it with c.Key/c.IV,
// prepending the IV when WriteIV is set.
func (c *AESCBC) Encrypt(plaintext []byte) ([]byte, error) {
	if len(c.Key) != KeySize {
		return nil, fmt.Errorf("codec: aes-256-cbc requires a %d byte key", KeySize)
	}
	block, err := aes.NewCipher(c.Key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.IV).CryptBlocks(out, padded)
	if c.WriteIV {
		return append(append([]byte(nil), c.IV...), out...), nil
	}
	return out, nil
}

// Decrypt undoes Encrypt. If c.IV is unset it is read from the first
// IVSize bytes of ciphertext, matching the wire form produced with WriteIV.
func (c *AESCBC) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(c.Key) != KeySize {
		return nil, fmt.Errorf("codec: aes-256-cbc requires a %d byte key", KeySize)
	}
	iv := c.IV
	if len(iv) == 0 {
		if len(ciphertext) < IVSize {
			return nil, fmt.Errorf("codec: ciphertext shorter than IV")
		}
		iv, ciphertext = ciphertext[:IVSize], ciphertext[IVSize:]
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("codec: invalid IV length")
	}
	block, err := aes.NewCipher(c.Key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("codec: ciphertext not block aligned")
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

// CiphertextSize returns the number of bytes Encrypt will produce for a
// plaintext of length n: padding to the next block boundary, plus the IV
// when WriteIV is set. Mirrors the original's aes_size helper used to size
// an inbound attachment read.
func (c *AESCBC) CiphertextSize(n int) int {
	padded := n + (aes.BlockSize - n%aes.BlockSize)
	if c.WriteIV {
		padded += IVSize
	}
	return padded
}

// streamWriter CBC-encrypts and streams ciphertext as bytes arrive, so large
// attachments are not buffered wholesale in memory. It writes a fresh IV as
// its first IVSize bytes and applies PKCS#7 padding to the final partial
// block on Close.
type streamWriter struct {
	w       io.Writer
	stream  cipher.BlockMode
	partial []byte
	closed  bool
}

// NewStreamWriter returns a WriteCloser that CBC-encrypts everything written
// to it with a fresh random IV (written first) and key, suitable for
// streaming an attachment payload of unknown total length. If whiten is
// non-empty, it is XORed into the random IV before use, folding the ECDH
// shared-secret-derived whitening key into every attachment IV as extra
// assurance against IV reuse under a broken RNG.
func NewStreamWriter(w io.Writer, key, whiten []byte) (io.WriteCloser, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("codec: aes-256-cbc requires a %d byte key", KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	for i := 0; i < len(iv) && i < len(whiten); i++ {
		iv[i] ^= whiten[i]
	}
	if _, err := w.Write(iv); err != nil {
		return nil, err
	}
	return &streamWriter{w: w, stream: cipher.NewCBCEncrypter(block, iv)}, nil
}

func (s *streamWriter) Write(p []byte) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("codec: write after close")
	}
	total := len(p)
	s.partial = append(s.partial, p...)
	for len(s.partial) >= aes.BlockSize {
		n := len(s.partial) - len(s.partial)%aes.BlockSize
		block := s.partial[:n]
		out := make([]byte, n)
		s.stream.CryptBlocks(out, block)
		if _, err := s.w.Write(out); err != nil {
			return 0, err
		}
		s.partial = append([]byte(nil), s.partial[n:]...)
		break
	}
	return total, nil
}

// Close pads the final block and flushes it.
func (s *streamWriter) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	padded := pkcs7Pad(s.partial)
	out := make([]byte, len(padded))
	s.stream.CryptBlocks(out, padded)
	_, err := s.w.Write(out)
	return err
}

// streamReader is the mirror image of streamWriter: it reads the IV from the
// front of r, then CBC-decrypts block by block, buffering one block so that
// PKCS#7 padding can be stripped from the true final block at EOF.
type streamReader struct {
	r        io.Reader
	stream   cipher.BlockMode
	pending  []byte
	eof      bool
	unpadded bool
}

// NewStreamReader decrypts r, which must begin with the IV written by
// NewStreamWriter, using key.
func NewStreamReader(r io.Reader, key []byte) (io.Reader, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("codec: aes-256-cbc requires a %d byte key", KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(r, iv); err != nil {
		return nil, fmt.Errorf("codec: reading IV: %w", err)
	}
	return &streamReader{r: r, stream: cipher.NewCBCDecrypter(block, iv)}, nil
}

func (s *streamReader) fill() error {
	buf := make([]byte, aes.BlockSize)
	n, err := io.ReadFull(s.r, buf)
	if n == aes.BlockSize {
		out := make([]byte, aes.BlockSize)
		s.stream.CryptBlocks(out, buf)
		s.pending = append(s.pending, out...)
	}
	if err != nil {
		s.eof = true
		if err == io.ErrUnexpectedEOF && n == 0 {
			return io.EOF
		}
		if err != io.EOF {
			return err
		}
	}
	return nil
}

func (s *streamReader) Read(p []byte) (int, error) {
	// Always keep at least one decrypted block buffered past what has been
	// handed out, so the real last block (and its padding) can be detected.
	for len(s.pending) <= aes.BlockSize && !s.eof {
		if err := s.fill(); err != nil {
			return 0, err
		}
	}
	if s.eof && !s.unpadded {
		unpadded, err := pkcs7Unpad(s.pending)
		if err != nil {
			return 0, err
		}
		// pkcs7Unpad only shortens s.pending (strips trailing pad bytes), so
		// replacing it wholesale here means the pad bytes are gone for good
		// rather than re-surfacing once avail catches up to them.
		s.pending = unpadded
		s.unpadded = true
	}
	if len(s.pending) == 0 {
		return 0, io.EOF
	}
	avail := s.pending
	if !s.eof {
		if len(avail) > aes.BlockSize {
			avail = avail[:len(avail)-aes.BlockSize]
		} else {
			return 0, io.EOF
		}
	}
	n := copy(p, avail)
	s.pending = s.pending[n:]
	return n, nil
}
