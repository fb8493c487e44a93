package xmlio

import (
	"bytes"
	"crypto/rand"
	"encoding/xml"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mrpcec.io/mrpc/codec"
)

func TestWriterPlainElementRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteHead())
	require.NoError(t, w.WriteTagBegin("methodCall"))
	require.NoError(t, w.WriteTagBegin("MrpcPerson"))
	require.NoError(t, w.WriteAttribute("id", "7"))
	require.NoError(t, w.WriteTagBegin("name"))
	require.NoError(t, w.WriteValue("Heinrich & Sons"))
	require.NoError(t, w.WriteTagEnd("name"))
	require.NoError(t, w.WriteTagEnd("MrpcPerson"))
	require.NoError(t, w.WriteTagEnd("methodCall"))

	r := NewReader(&buf, nil)
	start, err := r.NextStart()
	require.NoError(t, err)
	assert.Equal(t, "methodCall", start.Name.Local)

	start, err = r.NextStart()
	require.NoError(t, err)
	assert.Equal(t, "MrpcPerson", start.Name.Local)
	assert.Equal(t, "7", start.Attr[0].Value)

	var person struct {
		Name string `xml:"name"`
	}
	require.NoError(t, r.DecodeElement(&person, &start))
	assert.Equal(t, "Heinrich & Sons", person.Name)
}

func TestWriterEncryptedFrameRoundTrip(t *testing.T) {
	key := make([]byte, codec.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteTagBegin("methodCall"))

	cipher, err := codec.NewAESCBC(key, "session-key-1")
	require.NoError(t, err)
	require.NoError(t, w.StartEncrypt("session-key-1"))
	require.NoError(t, w.WriteTagBegin("MrpcPerson"))
	require.NoError(t, w.WriteTagBegin("name"))
	require.NoError(t, w.WriteValue("Goethe"))
	require.NoError(t, w.WriteTagEnd("name"))
	require.NoError(t, w.WriteTagEnd("MrpcPerson"))
	require.NoError(t, w.StopEncrypt(cipher))

	require.NoError(t, w.WriteTagEnd("methodCall"))

	decrypt := func(algorithm, keyName, cipherValueB64 string) ([]byte, error) {
		assert.Equal(t, "aes-256-cbc", algorithm)
		assert.Equal(t, "session-key-1", keyName)
		ct, err := codec.DecodeString(cipherValueB64)
		if err != nil {
			return nil, err
		}
		dec := codec.NewAESCBCDecrypt(key, keyName)
		return dec.Decrypt(ct)
	}

	r := NewReader(&buf, decrypt)
	start, err := r.NextStart()
	require.NoError(t, err)
	assert.Equal(t, "methodCall", start.Name.Local)

	start, err = r.NextStart()
	require.NoError(t, err)
	assert.Equal(t, "MrpcPerson", start.Name.Local)

	var person struct {
		Name string `xml:"name"`
	}
	require.NoError(t, r.DecodeElement(&person, &start))
	assert.Equal(t, "Goethe", person.Name)

	_, err = r.NextStart()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriterAttachmentByteStreamRoundTrip(t *testing.T) {
	key := make([]byte, codec.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteTagBegin("methodCall"))

	payload := bytes.Repeat([]byte("attachment-payload-"), 200)
	sink, err := w.ByteStream(key, nil)
	require.NoError(t, err)
	_, err = sink.Write(payload)
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	written := w.LastByteStreamCount()
	assert.Greater(t, written, int64(len(payload)))

	require.NoError(t, w.WriteTagEnd("methodCall"))

	r := NewReader(&buf, nil)
	_, err = r.NextStart()
	require.NoError(t, err)

	br := r.RawReader()
	require.NoError(t, codec.ConsumeDelimiter(br, 0x80))
	// The engine learns the attachment's plaintext length from the
	// preceding application message (§6.1) and computes the ciphertext
	// length from it; here `written` stands in for that ciphertext length so
	// the stream reader stops before the trailing
	// </methodCall> bytes rather than consuming them as ciphertext.
	stream, err := codec.NewStreamReader(io.LimitReader(br, written), key)
	require.NoError(t, err)
	out, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, payload, out)

	rest, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Equal(t, "</methodCall>", string(rest))
}

func TestEscapeTextAndAttr(t *testing.T) {
	assert.Equal(t, "a &lt;b&gt; &amp; c", escapeText(`a <b> & c`))
	assert.Equal(t, "a &quot;b&quot;", escapeAttr(`a "b"`))
}

var _ = xml.Header
