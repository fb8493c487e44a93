// Package ecdh implements the key-agreement and signing primitives MRPC-EC
// uses for its handshake: P-256 Elliptic-Curve Diffie-Hellman for the
// ephemeral session key, and ECDSA over P-256 for the client's proof of
// possession of its long-term identity key.
package ecdh

import (
	stdecdh "crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/hkdf"
)

// Curve is prime256v1 (NIST P-256), used for both the ECDH key agreement
// and the ECDSA identity keys.
func Curve() stdecdh.Curve { return stdecdh.P256() }

// GenerateEphemeral creates a fresh ECDH key pair for one handshake or
// key-refresh round.
func GenerateEphemeral() (*stdecdh.PrivateKey, error) {
	return Curve().GenerateKey(rand.Reader)
}

// GenerateIdentity creates a long-term ECDSA P-256 identity key pair, the
// kind referenced by a keyId and used to sign the session key during login.
func GenerateIdentity() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// ParseEphemeralPublic decodes an uncompressed SEC1 point (the wire form
// carried in KeyName / MrpcNewEphemeralKey.key) into a public key.
func ParseEphemeralPublic(der []byte) (*stdecdh.PublicKey, error) {
	return Curve().NewPublicKey(der)
}

// DeriveSessionKey runs ECDH between priv and peerPub and returns
// SHA-256(shared_secret), the 32-byte AES-256 session key per §3.1/§4.5.1.
func DeriveSessionKey(priv *stdecdh.PrivateKey, peerPub *stdecdh.PublicKey) ([]byte, error) {
	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: key agreement failed: %w", err)
	}
	sum := sha256.Sum256(secret)
	return sum[:], nil
}

// DeriveAttachmentWhiteningKey derives a secondary 32-byte key from the raw
// ECDH shared secret using HKDF-SHA256, independent of the SHA-256 session
// key. Session.install stores it alongside the session key, and
// codec.NewStreamWriter XORs it into every freshly generated attachment IV
// (via Engine.OutByteStream), so the written IV also depends on the shared
// secret. The whitening key is fixed for the session, so two equal random
// IVs still whiten to equal IVs. It does not replace or weaken the session_key =
// SHA-256(shared_secret) derivation.
func DeriveAttachmentWhiteningKey(priv *stdecdh.PrivateKey, peerPub *stdecdh.PublicKey) ([]byte, error) {
	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: key agreement failed: %w", err)
	}
	kdf := hkdf.New(sha256.New, secret, nil, []byte("mrpc-ec attachment-iv-whitening"))
	out := make([]byte, 32)
	if _, err := kdf.Read(out); err != nil {
		return nil, fmt.Errorf("ecdh: hkdf expansion failed: %w", err)
	}
	return out, nil
}

// Sign proves possession of priv over the session key, used as the `auth`
// field of MrpcSessionAuth.
func Sign(priv *ecdsa.PrivateKey, sessionKey []byte) ([]byte, error) {
	digest := sha256.Sum256(sessionKey)
	return ecdsa.SignASN1(rand.Reader, priv, digest[:])
}

// Verify checks a signature produced by Sign against the claimed session
// key and the signer's public key.
func Verify(pub *ecdsa.PublicKey, sessionKey, sig []byte) error {
	digest := sha256.Sum256(sessionKey)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return fmt.Errorf("ecdh: signature verification failed")
	}
	return nil
}

// EncodeECDHPublicPEM renders a long-term ECDH public key (the server's
// "server_pub_key" of §4.5.1) as PEM, the form carried by
// MrpcGetPublickeyResponse.PubKey (§6.1, scenario S5). ECDH public keys are
// just SEC1 uncompressed points, so this wraps the raw bytes in a PEM block
// rather than going through x509's PKIX encoder, which only knows about
// ecdsa/rsa/ed25519 key types.
func EncodeECDHPublicPEM(pub *stdecdh.PublicKey) string {
	block := &pem.Block{Type: "EC ECDH PUBLIC KEY", Bytes: pub.Bytes()}
	return string(pem.EncodeToMemory(block))
}

// DecodeECDHPublicPEM parses a PEM block produced by EncodeECDHPublicPEM.
func DecodeECDHPublicPEM(pemStr string) (*stdecdh.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("ecdh: no PEM block found")
	}
	return ParseEphemeralPublic(block.Bytes)
}

// EncodeECDHPrivatePEM renders a long-term ECDH private key (the server's
// identity key, generated once via GenerateEphemeral and kept across
// restarts) as PEM. Like EncodeECDHPublicPEM this wraps the raw scalar
// rather than going through x509, which has no ECDH key type.
func EncodeECDHPrivatePEM(priv *stdecdh.PrivateKey) string {
	block := &pem.Block{Type: "EC ECDH PRIVATE KEY", Bytes: priv.Bytes()}
	return string(pem.EncodeToMemory(block))
}

// DecodeECDHPrivatePEM parses a PEM block produced by EncodeECDHPrivatePEM.
func DecodeECDHPrivatePEM(pemStr string) (*stdecdh.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("ecdh: no PEM block found")
	}
	return Curve().NewPrivateKey(block.Bytes)
}

// EncodeIdentityPublicPEM renders a long-term ECDSA identity public key as
// PKIX PEM, the form DecodeIdentityPublicPEM reads (mrpcsrv loads client
// keys this way). MrpcGetPublickey carries EncodeECDHPublicPEM instead.
func EncodeIdentityPublicPEM(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// DecodeIdentityPublicPEM parses a PEM-encoded public key as produced by
// EncodeIdentityPublicPEM.
func DecodeIdentityPublicPEM(pemStr string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("ecdh: no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("ecdh: PEM block is not an EC public key")
	}
	return ecPub, nil
}

// EncodeIdentityPrivatePEM renders a long-term identity private key as an
// unencrypted PKCS#8 PEM block. A production deployment should keep
// identity keys behind file permissions or a secrets manager rather than
// a passphrase-protected PEM.
func EncodeIdentityPrivatePEM(priv *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", err
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// DecodeIdentityPrivatePEM parses a PEM-encoded private key as produced by
// EncodeIdentityPrivatePEM.
func DecodeIdentityPrivatePEM(pemStr string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("ecdh: no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("ecdh: PEM block is not an EC private key")
	}
	return ecKey, nil
}
