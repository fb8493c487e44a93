package codec

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBase64RoundTrip(t *testing.T) {
	tt := []struct {
		name string
		in   []byte
	}{
		{"empty", []byte{}},
		{"short", []byte("hi")},
		{"block", bytes.Repeat([]byte{0xAB}, 45)},
		{"multiline", bytes.Repeat([]byte("the quick brown fox "), 10)},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			enc := EncodeString(tc.in)
			out, err := DecodeString(enc)
			require.NoError(t, err)
			assert.Equal(t, tc.in, out)
		})
	}
}

func TestBase64ReaderToleratesWhitespace(t *testing.T) {
	enc := EncodeString([]byte("the quick brown fox jumps over the lazy dog"))
	withExtraSpace := strings.ReplaceAll(enc, "\n", "\n  \n")
	out, err := DecodeString(withExtraSpace)
	require.NoError(t, err)
	assert.Equal(t, "the quick brown fox jumps over the lazy dog", string(out))
}

func randKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestAESCBCRoundTrip(t *testing.T) {
	key := randKey(t)
	tt := [][]byte{
		{},
		[]byte("short"),
		bytes.Repeat([]byte{0x42}, aesBlockTestSize),
		bytes.Repeat([]byte{0x7}, aesBlockTestSize+1),
	}
	for _, plain := range tt {
		enc, err := NewAESCBC(key, "peer")
		require.NoError(t, err)
		cipherText, err := enc.Encrypt(plain)
		require.NoError(t, err)

		dec := NewAESCBCDecrypt(key, "peer")
		out, err := dec.Decrypt(cipherText)
		require.NoError(t, err)
		assert.Equal(t, plain, out)
	}
}

const aesBlockTestSize = 32

func TestAESCBCWrongKeyFails(t *testing.T) {
	enc, err := NewAESCBC(randKey(t), "")
	require.NoError(t, err)
	ct, err := enc.Encrypt([]byte("secret message"))
	require.NoError(t, err)

	dec := NewAESCBCDecrypt(randKey(t), "")
	_, err = dec.Decrypt(ct)
	assert.Error(t, err)
}

func TestStreamCipherRoundTrip(t *testing.T) {
	key := randKey(t)
	payload := bytes.Repeat([]byte("attachment-bytes-"), 500)

	var buf bytes.Buffer
	w, err := NewStreamWriter(&buf, key, nil)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewStreamReader(&buf, key)
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

// TestStreamCipherRoundTripBlockAlignedPayload covers a payload whose length
// is an exact multiple of the AES block size, so PKCS#7 adds a full pad
// block: the reader must still drain and discard that entire block rather
// than looping on an empty unpad result.
func TestStreamCipherRoundTripBlockAlignedPayload(t *testing.T) {
	key := randKey(t)
	payload := make([]byte, 70000)
	for i := range payload {
		payload[i] = byte(i)
	}

	var buf bytes.Buffer
	w, err := NewStreamWriter(&buf, key, nil)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewStreamReader(&buf, key)
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

// TestStreamCipherWhitenedIV checks that a stream written with a non-empty
// whitening key still round-trips through a reader that knows nothing about
// whitening.
func TestStreamCipherWhitenedIV(t *testing.T) {
	key := randKey(t)
	whiten := bytes.Repeat([]byte{0x42}, 32)
	payload := []byte("whitened IV test payload")

	var buf bytes.Buffer
	w, err := NewStreamWriter(&buf, key, whiten)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewStreamReader(&buf, key)
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestDelimitedReaderStopsAtDelimiter(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("hello\x80world"))
	dr := NewDelimitedReader(br, 0x80)

	out, err := io.ReadAll(dr)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	require.NoError(t, ConsumeDelimiter(br, 0x80))

	rest, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Equal(t, "world", string(rest))
}

func TestConsumeDelimiterMismatch(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("xworld"))
	err := ConsumeDelimiter(br, 0x80)
	assert.Error(t, err)
}
