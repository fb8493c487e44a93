// Package messages holds the concrete Go types for every MRPC-EC
// handshake message (§6.1) plus a couple of example application messages
// used by the engine's own tests and by the reference CLI binaries. Each
// type carries both an XML wire form (struct tags consumed by
// encoding/xml) and implements
// object.Record so it can also be driven through the reflective object
// model (traversal, the compact text form, registry-based creation).
package messages

import (
	"encoding/base64"
	"encoding/xml"

	"mrpcec.io/mrpc/object"
)

// Bytes is a binary field that travels as base64 text in the XML wire form;
// encoding/xml writes a plain []byte as raw character data, which does not
// survive bytes that are not valid XML text.
type Bytes []byte

func (b Bytes) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(b)), nil
}

func (b *Bytes) UnmarshalText(text []byte) (err error) {
	*b, err = base64.StdEncoding.DecodeString(string(text))
	return err
}

func init() {
	object.Register("MrpcSessionAuth", func() object.Record { return &SessionAuth{} })
	object.Register("MrpcSessionLoginResult", func() object.Record { return &SessionLoginResult{} })
	object.Register("MrpcGetPublickeyRequest", func() object.Record { return &GetPublicKeyRequest{} })
	object.Register("MrpcGetPublickeyResponse", func() object.Record { return &GetPublicKeyResponse{} })
	object.Register("MrpcNewEphemeralKey", func() object.Record { return &NewEphemeralKey{} })
	object.Register("MrpcSessionReturnError", func() object.Record { return &SessionReturnError{} })
	object.Register("MrpcPerson", func() object.Record { return &Person{} })
	object.Register("BigDat", func() object.Record { return &BigDat{} })
}

// SessionAuth is the client's proof of possession of its long-term identity
// key, sent inside the login encryption frame (§4.5.1, §6.1).
type SessionAuth struct {
	XMLName  xml.Name `xml:"MrpcSessionAuth" mrpc:"-"`
	KeyID    string   `xml:"keyId" mrpc:"keyId,key=1"`
	Login    string   `xml:"login" mrpc:"login"`
	Software string   `xml:"software" mrpc:"software"`
	Hostname string   `xml:"hostname" mrpc:"hostname"`
	Auth     Bytes    `xml:"auth" mrpc:"auth"`
}

func (*SessionAuth) TypeName() string { return "MrpcSessionAuth" }

// SessionLoginResult is the server's reply to a successful SessionAuth
// (§4.5.2, §6.1): the freshly assigned session handle and the reuse/
// validity policy the client should honor from now on.
type SessionLoginResult struct {
	XMLName             xml.Name `xml:"MrpcSessionLoginResult" mrpc:"-"`
	SessID              uint32   `xml:"sessId" mrpc:"sessId,key=1"`
	SessionReuseTime    uint32   `xml:"sessionReuseTime" mrpc:"sessionReuseTime"`
	SessionKeyValidTime uint32   `xml:"sessionKeyValidTime" mrpc:"sessionKeyValidTime"`
}

func (*SessionLoginResult) TypeName() string { return "MrpcSessionLoginResult" }

// GetPublicKeyRequest is the unencrypted, fieldless request of §6.1's
// MrpcGetPublickey (request) row, used by scenario S5.
type GetPublicKeyRequest struct {
	XMLName xml.Name `xml:"MrpcGetPublickeyRequest" mrpc:"-"`
}

func (*GetPublicKeyRequest) TypeName() string { return "MrpcGetPublickeyRequest" }

// GetPublicKeyResponse carries the server's long-term public key as PEM.
type GetPublicKeyResponse struct {
	XMLName xml.Name `xml:"MrpcGetPublickeyResponse" mrpc:"-"`
	PubKey  string   `xml:"pubkey" mrpc:"pubkey"`
}

func (*GetPublicKeyResponse) TypeName() string { return "MrpcGetPublickeyResponse" }

// NewEphemeralKey carries a freshly generated ECDH public key during
// client-initiated key refresh (§4.5.4), sent encrypted under the *current*
// session key.
type NewEphemeralKey struct {
	XMLName xml.Name `xml:"MrpcNewEphemeralKey" mrpc:"-"`
	Key     Bytes    `xml:"key" mrpc:"key"`
}

func (*NewEphemeralKey) TypeName() string { return "MrpcNewEphemeralKey" }

// Well-known SessionReturnError leading tokens (§4.5.6/§7).
const (
	ErrTokenAuthFailed  = "auth failed"
	ErrTokenKeyExpired  = "KEY_EXPIRED"
	ErrTokenPleaseRelog = "PLS_RELOG"
)

// SessionReturnError is the only message type permitted unencrypted on the
// wire after a handshake failure; it is fatal and ends the conversation.
type SessionReturnError struct {
	XMLName xml.Name `xml:"MrpcSessionReturnError" mrpc:"-"`
	Error_  string   `xml:"error" mrpc:"error"`
}

func (*SessionReturnError) TypeName() string { return "MrpcSessionReturnError" }

func (e *SessionReturnError) Error() string { return "mrpc: " + e.Error_ }

// Person is the example application message used throughout §8's test
// scenarios (S1, S3, S4): a minimal record exercised end to end by both the
// XML wire form and the reflective object model.
type Person struct {
	XMLName xml.Name `xml:"MrpcPerson" mrpc:"-"`
	Name    string   `xml:"name" mrpc:"name,key=1"`
}

func (*Person) TypeName() string { return "MrpcPerson" }

// BigDat advertises an attachment that immediately follows it on the wire:
// Length is the plaintext byte count the sender is about to push through
// ByteStream, and Name is a free-form label (scenario S6). ID is not part
// of the original wire contract; it is an optional correlation identifier
// that a verbose mrpcsrv logs alongside the transfer (substituting a fresh
// uuid when it is empty). mrpccli does not set it.
type BigDat struct {
	XMLName xml.Name `xml:"BigDat" mrpc:"-"`
	Length  uint64   `xml:"length" mrpc:"length"`
	Name    string   `xml:"name" mrpc:"name"`
	ID      string   `xml:"id,omitempty" mrpc:"id,null"`
}

func (*BigDat) TypeName() string { return "BigDat" }
