package ecdh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveSessionKeyAgrees(t *testing.T) {
	clientPriv, err := GenerateEphemeral()
	require.NoError(t, err)
	serverPriv, err := GenerateEphemeral()
	require.NoError(t, err)

	clientKey, err := DeriveSessionKey(clientPriv, serverPriv.PublicKey())
	require.NoError(t, err)
	serverKey, err := DeriveSessionKey(serverPriv, clientPriv.PublicKey())
	require.NoError(t, err)

	assert.Equal(t, clientKey, serverKey)
	assert.Len(t, clientKey, 32)
}

func TestParseEphemeralPublicRoundTrip(t *testing.T) {
	priv, err := GenerateEphemeral()
	require.NoError(t, err)

	der := priv.PublicKey().Bytes()
	pub, err := ParseEphemeralPublic(der)
	require.NoError(t, err)
	assert.Equal(t, der, pub.Bytes())
}

func TestSignVerify(t *testing.T) {
	identity, err := GenerateIdentity()
	require.NoError(t, err)

	sessionKey := []byte("0123456789abcdef0123456789abcdef")
	sig, err := Sign(identity, sessionKey)
	require.NoError(t, err)

	require.NoError(t, Verify(&identity.PublicKey, sessionKey, sig))

	otherKey := []byte("different-session-key-32-bytes!!")
	assert.Error(t, Verify(&identity.PublicKey, otherKey, sig))
}

func TestIdentityPEMRoundTrip(t *testing.T) {
	priv, err := GenerateIdentity()
	require.NoError(t, err)

	pubPEM, err := EncodeIdentityPublicPEM(&priv.PublicKey)
	require.NoError(t, err)
	pub, err := DecodeIdentityPublicPEM(pubPEM)
	require.NoError(t, err)
	assert.True(t, priv.PublicKey.Equal(pub))

	privPEM, err := EncodeIdentityPrivatePEM(priv)
	require.NoError(t, err)
	decodedPriv, err := DecodeIdentityPrivatePEM(privPEM)
	require.NoError(t, err)
	assert.True(t, priv.Equal(decodedPriv))
}

func TestDeriveAttachmentWhiteningKeyAgrees(t *testing.T) {
	clientPriv, err := GenerateEphemeral()
	require.NoError(t, err)
	serverPriv, err := GenerateEphemeral()
	require.NoError(t, err)

	a, err := DeriveAttachmentWhiteningKey(clientPriv, serverPriv.PublicKey())
	require.NoError(t, err)
	b, err := DeriveAttachmentWhiteningKey(serverPriv, clientPriv.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
