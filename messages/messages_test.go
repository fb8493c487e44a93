package messages

import (
	"encoding/xml"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mrpcec.io/mrpc/object"
)

func TestRegisteredByWireTypeName(t *testing.T) {
	for _, name := range []string{
		"MrpcSessionAuth",
		"MrpcSessionLoginResult",
		"MrpcGetPublickeyRequest",
		"MrpcGetPublickeyResponse",
		"MrpcNewEphemeralKey",
		"MrpcSessionReturnError",
		"MrpcPerson",
		"BigDat",
	} {
		assert.True(t, object.Registered(name), "expected %s to be registered", name)
	}
}

func TestPersonXMLRoundTrip(t *testing.T) {
	p := Person{Name: "Heinrich"}
	out, err := xml.Marshal(&p)
	require.NoError(t, err)

	var got Person
	require.NoError(t, xml.Unmarshal(out, &got))
	assert.Equal(t, p.Name, got.Name)
}

func TestPersonObjectTextForm(t *testing.T) {
	p := &Person{Name: "Ada"}
	text, err := object.Marshal(p, object.ConvOptions{})
	require.NoError(t, err)

	var got Person
	require.NoError(t, object.Unmarshal(text, &got))
	assert.Equal(t, p.Name, got.Name)
}

func TestSessionReturnErrorImplementsError(t *testing.T) {
	var err error = &SessionReturnError{Error_: ErrTokenAuthFailed}
	assert.Contains(t, err.Error(), "auth failed")
}

func TestBigDatDescriptorFields(t *testing.T) {
	d := object.Describe(&BigDat{})
	f, ok := d.FieldByWireName("length")
	require.True(t, ok)
	assert.False(t, f.IsVector)

	f, ok = d.FieldByWireName("name")
	require.True(t, ok)
	assert.False(t, f.IsRecord)
}
