package mrpc

import (
	stdecdh "crypto/ecdh"
	"crypto/ecdsa"
	"encoding/xml"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"mrpcec.io/mrpc/codec"
	"mrpcec.io/mrpc/ecdh"
	"mrpcec.io/mrpc/messages"
	"mrpcec.io/mrpc/object"
	"mrpcec.io/mrpc/transport"
	"mrpcec.io/mrpc/xmlio"
)

// State is the engine's position in the handshake/steady-state lifecycle
// (§3.2).
type State int

const (
	StateFresh State = iota
	StateGetPubKey
	StateConnectingServer
	StateConnectingServerConfirmed
	StateConnectingClient
	StateConnected
	StateReadyRead
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "Fresh"
	case StateGetPubKey:
		return "GetPubKey"
	case StateConnectingServer:
		return "ConnectingServer"
	case StateConnectingServerConfirmed:
		return "ConnectingServerConfirmed"
	case StateConnectingClient:
		return "ConnectingClient"
	case StateConnected:
		return "Connected"
	case StateReadyRead:
		return "ReadyRead"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// ClientIdentity is a client's long-term ECDSA identity key, addressed on
// the wire by KeyID (§4.5.1's keyId).
type ClientIdentity struct {
	KeyID string
	Priv  *ecdsa.PrivateKey
}

// PublicKeyLookup resolves a keyId presented at login to the client's
// long-term ECDSA public key, so the server can verify the SessionAuth
// signature (§4.5.2). Callers typically back this with a config file or a
// directory service; an unknown keyId must return ok=false.
type PublicKeyLookup func(keyID string) (*ecdsa.PublicKey, bool)

// ServerPolicy is the session reuse/key-validity policy a server hands
// back in MrpcSessionLoginResult (§4.5.2).
type ServerPolicy struct {
	SessionReuseTime time.Duration
	KeyValidTime     time.Duration
}

// DefaultServerPolicy matches the source's out-of-the-box defaults: an
// hour-long session key, reusable for ten minutes of idle time.
var DefaultServerPolicy = ServerPolicy{
	SessionReuseTime: 10 * time.Minute,
	KeyValidTime:     time.Hour,
}

var sessionIDCounter atomic.Uint32

func nextSessionID() uint32 {
	return sessionIDCounter.Add(1)
}

// Engine drives one MRPC-EC conversation end to end: the ECDH/ECDSA
// handshake, steady-state message exchange, key refresh, and attachment
// streaming. One Engine serves exactly one transport.Transport; a server
// creates a fresh Engine per accepted connection.
type Engine struct {
	tr transport.Transport
	w  *xmlio.Writer
	r  *xmlio.Reader

	session  *Session
	state    State
	isServer bool

	rootOpened bool
	rootSeen   bool

	// client-only
	identity  *ClientIdentity
	serverPub *stdecdh.PublicKey

	// server-only
	serverIdentity  *stdecdh.PrivateKey
	lookupClientKey PublicKeyLookup
	policy          ServerPolicy
	keyChangedCount int

	lastResult object.Record
	metrics    *Metrics
}

// NewClient returns an Engine that will drive tr as the client side of a
// conversation identified to the server as identity. session is reused
// across reconnects to enable the §4.5.5 fast path; pass a fresh &Session{}
// for a first-time connection.
func NewClient(tr transport.Transport, session *Session, identity ClientIdentity) *Engine {
	e := &Engine{
		tr:       tr,
		session:  session,
		state:    StateFresh,
		identity: &identity,
	}
	e.w = xmlio.NewWriter(tr)
	e.r = xmlio.NewReader(tr, e.clientDecrypt)
	return e
}

// NewServer returns an Engine that will drive tr as the server side of a
// conversation. ecdhPriv is the server's single long-term ECDH identity key
// (§4.5.1); lookup resolves a client's keyId to its ECDSA public key for
// signature verification.
func NewServer(tr transport.Transport, ecdhPriv *stdecdh.PrivateKey, lookup PublicKeyLookup, policy ServerPolicy) *Engine {
	e := &Engine{
		tr:              tr,
		session:         &Session{},
		state:           StateFresh,
		isServer:        true,
		serverIdentity:  ecdhPriv,
		lookupClientKey: lookup,
		policy:          policy,
	}
	e.w = xmlio.NewWriter(tr)
	e.r = xmlio.NewReader(tr, e.serverDecrypt)
	return e
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return e.state }

// Session exposes the underlying Session, e.g. so a client can persist it
// across reconnects.
func (e *Engine) Session() *Session { return e.session }

func (e *Engine) myRootName() string {
	if e.isServer {
		return "methodResponse"
	}
	return "methodCall"
}

func (e *Engine) peerRootName() string {
	if e.isServer {
		return "methodCall"
	}
	return "methodResponse"
}

func (e *Engine) ensureRootOpen() error {
	if e.rootOpened {
		return nil
	}
	if err := e.w.WriteHead(); err != nil {
		return err
	}
	if err := e.w.WriteTagBegin(e.myRootName()); err != nil {
		return err
	}
	e.rootOpened = true
	return nil
}

func (e *Engine) readRoot() error {
	if e.rootSeen {
		return nil
	}
	start, err := e.r.NextStart()
	if err != nil {
		return fmt.Errorf("mrpc: reading root element: %w", err)
	}
	if start.Name.Local != e.peerRootName() {
		return &ProtocolError{Msg: fmt.Sprintf("expected root element %q, got %q", e.peerRootName(), start.Name.Local)}
	}
	e.rootSeen = true
	return nil
}

// clientDecrypt resolves an EncryptedData envelope using the client's own
// established session key; the client never has to derive a key inside a
// decrypt callback, since it always derives (or reuses) its key itself
// before sending anything.
func (e *Engine) clientDecrypt(_ /* algorithm */, keyName, cipherB64 string) ([]byte, error) {
	ct, err := codec.DecodeString(cipherB64)
	if err != nil {
		return nil, fmt.Errorf("mrpc: decoding cipher value: %w", err)
	}
	key := e.session.keyBytes()
	if key == nil {
		return nil, fmt.Errorf("mrpc: no session key established")
	}
	if e.metrics != nil {
		e.metrics.BytesDecrypted.Add(float64(len(ct)))
	}
	return codec.NewAESCBCDecrypt(key, keyName).Decrypt(ct)
}

// serverDecrypt resolves an EncryptedData envelope on the server side. The
// first frame of a conversation carries, as KeyName, the base64 of the
// client's ephemeral ECDH public key (§4.5.1): the server either finds a
// cached session for that cipher (§4.5.5 reuse) or derives a fresh session
// key via ECDH with its own long-term key. Every later frame in the same
// conversation reuses the key already installed on e.session.
func (e *Engine) serverDecrypt(_ /* algorithm */, keyName, cipherB64 string) ([]byte, error) {
	ct, err := codec.DecodeString(cipherB64)
	if err != nil {
		return nil, fmt.Errorf("mrpc: decoding cipher value: %w", err)
	}

	if !e.session.hasKey() {
		now := time.Now()
		cacheSweep(now)
		if cached, ok := cacheLookup(keyName); ok && !cached.Expired(now) {
			e.session.adoptFrom(cached)
		} else {
			clientEphDER, err := codec.DecodeString(keyName)
			if err != nil {
				return nil, fmt.Errorf("mrpc: decoding ephemeral key name: %w", err)
			}
			clientPub, err := ecdh.ParseEphemeralPublic(clientEphDER)
			if err != nil {
				return nil, fmt.Errorf("mrpc: parsing ephemeral key: %w", err)
			}
			sessKey, err := ecdh.DeriveSessionKey(e.serverIdentity, clientPub)
			if err != nil {
				return nil, fmt.Errorf("mrpc: deriving session key: %w", err)
			}
			whiten, err := ecdh.DeriveAttachmentWhiteningKey(e.serverIdentity, clientPub)
			if err != nil {
				return nil, fmt.Errorf("mrpc: deriving attachment whitening key: %w", err)
			}
			e.session.install(sessKey, keyName, whiten, now)
			cacheStore(keyName, e.session)
		}
	}

	if e.metrics != nil {
		e.metrics.BytesDecrypted.Add(float64(len(ct)))
	}
	return codec.NewAESCBCDecrypt(e.session.keyBytes(), keyName).Decrypt(ct)
}

// StartSession performs the client side of the handshake (§4.5.1). If the
// engine's Session already holds an unexpired key, the existing key and
// cipher are reused rather than a fresh ECDH exchange being performed. It
// blocks until the server's MrpcSessionLoginResult (success) or
// MrpcSessionReturnError (failure) has been received.
func (e *Engine) StartSession(login, hostname, software string, serverPub *stdecdh.PublicKey) error {
	if e.state != StateFresh {
		return ErrUnexpectedState
	}
	if e.metrics != nil {
		e.metrics.HandshakesStarted.Inc()
	}
	e.serverPub = serverPub
	now := time.Now()

	if e.session.Expired(now) {
		ephPriv, err := ecdh.GenerateEphemeral()
		if err != nil {
			return fmt.Errorf("mrpc: generating ephemeral key: %w", err)
		}
		sessKey, err := ecdh.DeriveSessionKey(ephPriv, serverPub)
		if err != nil {
			return fmt.Errorf("mrpc: deriving session key: %w", err)
		}
		whiten, err := ecdh.DeriveAttachmentWhiteningKey(ephPriv, serverPub)
		if err != nil {
			return fmt.Errorf("mrpc: deriving attachment whitening key: %w", err)
		}
		info := codec.EncodeString(ephPriv.PublicKey().Bytes())
		e.session.install(sessKey, info, whiten, now)
	}

	if err := e.ensureRootOpen(); err != nil {
		return err
	}

	cipher, err := codec.NewAESCBC(e.session.keyBytes(), e.session.Info)
	if err != nil {
		return err
	}
	if err := e.w.StartEncrypt(e.session.Info); err != nil {
		return err
	}
	sig, err := ecdh.Sign(e.identity.Priv, e.session.keyBytes())
	if err != nil {
		return fmt.Errorf("mrpc: signing session key: %w", err)
	}
	auth := &messages.SessionAuth{
		KeyID:    e.identity.KeyID,
		Login:    login,
		Software: software,
		Hostname: hostname,
		Auth:     sig,
	}
	raw, err := xml.Marshal(auth)
	if err != nil {
		return fmt.Errorf("mrpc: marshaling session auth: %w", err)
	}
	if err := e.w.WriteRaw(raw); err != nil {
		return err
	}
	if err := e.w.StopEncrypt(cipher); err != nil {
		return err
	}
	e.state = StateConnectingClient

	if err := e.readRoot(); err != nil {
		return err
	}
	start, err := e.r.NextStart()
	if err != nil {
		return fmt.Errorf("mrpc: reading handshake reply: %w", err)
	}

	switch start.Name.Local {
	case "MrpcSessionLoginResult":
		var res messages.SessionLoginResult
		if err := e.r.DecodeElement(&res, &start); err != nil {
			return fmt.Errorf("mrpc: decoding session login result: %w", err)
		}
		e.session.applyPolicy(res.SessID, time.Duration(res.SessionReuseTime)*time.Second, time.Duration(res.SessionKeyValidTime)*time.Second)
		e.state = StateConnected
		if e.metrics != nil {
			e.metrics.SessionsActive.Inc()
		}
		return nil
	case "MrpcSessionReturnError":
		var res messages.SessionReturnError
		if err := e.r.DecodeElement(&res, &start); err != nil {
			return fmt.Errorf("mrpc: decoding session return error: %w", err)
		}
		e.session.clear()
		e.state = StateClosing
		if e.metrics != nil {
			e.metrics.HandshakesFailed.WithLabelValues(res.Error_).Inc()
		}
		return &AuthError{Reason: res.Error_}
	default:
		e.state = StateClosing
		return &ProtocolError{Msg: "unexpected message at handshake: " + start.Name.Local}
	}
}

// GetPublicKey fetches the server's long-term ECDH public key via the
// unencrypted MrpcGetPublickey exchange (scenario S5), usable before any
// session has been established.
func (e *Engine) GetPublicKey() (*stdecdh.PublicKey, error) {
	if e.state != StateFresh {
		return nil, ErrUnexpectedState
	}
	e.state = StateGetPubKey
	if err := e.ensureRootOpen(); err != nil {
		return nil, err
	}
	raw, err := xml.Marshal(&messages.GetPublicKeyRequest{})
	if err != nil {
		return nil, err
	}
	if err := e.w.WriteRaw(raw); err != nil {
		return nil, err
	}

	if err := e.readRoot(); err != nil {
		return nil, err
	}
	start, err := e.r.NextStart()
	if err != nil {
		return nil, fmt.Errorf("mrpc: reading get-public-key reply: %w", err)
	}
	if start.Name.Local != "MrpcGetPublickeyResponse" {
		return nil, &ProtocolError{Msg: "expected MrpcGetPublickeyResponse, got " + start.Name.Local}
	}
	var res messages.GetPublicKeyResponse
	if err := e.r.DecodeElement(&res, &start); err != nil {
		return nil, fmt.Errorf("mrpc: decoding get-public-key response: %w", err)
	}
	pub, err := ecdh.DecodeECDHPublicPEM(res.PubKey)
	if err != nil {
		return nil, fmt.Errorf("mrpc: parsing server public key: %w", err)
	}
	e.session.mu.Lock()
	e.session.PublicServerKey = res.PubKey
	e.session.mu.Unlock()
	e.state = StateFresh
	return pub, nil
}

// Accept performs the server side of the handshake (§4.5.2), transparently
// answering an MrpcGetPublickey request (scenario S5) first if that is
// what the client sends instead of logging in. It blocks until a login has
// succeeded (an MrpcSessionLoginResult has been sent) or failed (an
// MrpcSessionReturnError has been sent, and an *AuthError returned).
func (e *Engine) Accept() error {
	if e.state != StateFresh {
		return ErrUnexpectedState
	}
	e.state = StateConnectingServer

	if err := e.readRoot(); err != nil {
		return err
	}
	start, err := e.r.NextStart()
	if err != nil {
		return fmt.Errorf("mrpc: reading client request: %w", err)
	}
	if err := e.ensureRootOpen(); err != nil {
		return err
	}

	if start.Name.Local == "MrpcGetPublickeyRequest" {
		var req messages.GetPublicKeyRequest
		if err := e.r.DecodeElement(&req, &start); err != nil {
			return fmt.Errorf("mrpc: decoding get-public-key request: %w", err)
		}
		pubPEM := ecdh.EncodeECDHPublicPEM(e.serverIdentity.PublicKey())
		raw, err := xml.Marshal(&messages.GetPublicKeyResponse{PubKey: pubPEM})
		if err != nil {
			return err
		}
		if err := e.w.WriteRaw(raw); err != nil {
			return err
		}
		e.state = StateFresh
		return e.Accept()
	}

	if e.metrics != nil {
		e.metrics.HandshakesStarted.Inc()
	}
	if start.Name.Local != "MrpcSessionAuth" {
		return &ProtocolError{Msg: "expected MrpcSessionAuth, got " + start.Name.Local}
	}
	var auth messages.SessionAuth
	if err := e.r.DecodeElement(&auth, &start); err != nil {
		return fmt.Errorf("mrpc: decoding session auth: %w", err)
	}

	clientPub, ok := e.lookupClientKey(auth.KeyID)
	if !ok {
		return e.failAuth(messages.ErrTokenAuthFailed)
	}
	if err := ecdh.Verify(clientPub, e.session.keyBytes(), auth.Auth); err != nil {
		return e.failAuth(messages.ErrTokenAuthFailed)
	}

	sessID := nextSessionID()
	e.session.applyPolicy(sessID, e.policy.SessionReuseTime, e.policy.KeyValidTime)
	e.state = StateConnectingServerConfirmed

	cipher, err := codec.NewAESCBC(e.session.keyBytes(), e.session.keyName())
	if err != nil {
		return err
	}
	if err := e.w.StartEncrypt(e.session.keyName()); err != nil {
		return err
	}
	reply := &messages.SessionLoginResult{
		SessID:              sessID,
		SessionReuseTime:    uint32(e.policy.SessionReuseTime / time.Second),
		SessionKeyValidTime: uint32(e.policy.KeyValidTime / time.Second),
	}
	raw, err := xml.Marshal(reply)
	if err != nil {
		return err
	}
	if err := e.w.WriteRaw(raw); err != nil {
		return err
	}
	if err := e.w.StopEncrypt(cipher); err != nil {
		return err
	}
	e.state = StateConnected
	if e.metrics != nil {
		e.metrics.SessionsActive.Inc()
	}
	return nil
}

func (e *Engine) failAuth(reason string) error {
	raw, _ := xml.Marshal(&messages.SessionReturnError{Error_: reason})
	_ = e.w.WriteRaw(raw)
	e.state = StateClosing
	if e.metrics != nil {
		e.metrics.HandshakesFailed.WithLabelValues(reason).Inc()
	}
	return &AuthError{Reason: reason}
}

// Send marshals msg and transmits it as the sole content of one encryption
// frame (§4.5.3: one frame always carries exactly one top-level message).
func (e *Engine) Send(msg object.Record) error {
	if e.state != StateConnected && e.state != StateReadyRead {
		return ErrUnexpectedState
	}
	raw, err := xml.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mrpc: marshaling %s: %w", msg.TypeName(), err)
	}
	cipher, err := codec.NewAESCBC(e.session.keyBytes(), e.session.keyName())
	if err != nil {
		return err
	}
	if err := e.w.StartEncrypt(e.session.keyName()); err != nil {
		return err
	}
	if err := e.w.WriteRaw(raw); err != nil {
		return err
	}
	if err := e.w.StopEncrypt(cipher); err != nil {
		return err
	}
	e.session.touch(time.Now())
	e.state = StateReadyRead
	if e.metrics != nil {
		e.metrics.BytesEncrypted.Add(float64(len(raw)))
	}
	return nil
}

// Recv reads the next application message (§4.5.3), transparently handling
// an interleaved key-refresh notification (§4.5.4) before returning the
// next real message. A fatal MrpcSessionReturnError surfaces as a
// *KeyLifecycleError.
func (e *Engine) Recv() (object.Record, error) {
	if err := e.readRoot(); err != nil {
		return nil, err
	}
	start, err := e.r.NextStart()
	if err != nil {
		return nil, fmt.Errorf("mrpc: reading message: %w", err)
	}

	switch start.Name.Local {
	case "MrpcSessionReturnError":
		var res messages.SessionReturnError
		if err := e.r.DecodeElement(&res, &start); err != nil {
			return nil, err
		}
		e.state = StateClosing
		return nil, &KeyLifecycleError{Token: res.Error_}
	case "MrpcNewEphemeralKey":
		var nk messages.NewEphemeralKey
		if err := e.r.DecodeElement(&nk, &start); err != nil {
			return nil, fmt.Errorf("mrpc: decoding new ephemeral key: %w", err)
		}
		if err := e.handleKeyChanged(nk.Key); err != nil {
			return nil, err
		}
		return e.Recv()
	}

	rec, ok := object.Create(start.Name.Local)
	if !ok {
		return nil, &ProtocolError{Msg: "unknown message type " + start.Name.Local}
	}
	if err := e.r.DecodeElement(rec, &start); err != nil {
		return nil, fmt.Errorf("mrpc: decoding %s: %w", start.Name.Local, err)
	}
	e.lastResult = rec
	e.session.touch(time.Now())
	e.state = StateConnected
	return rec, nil
}

// GetResult returns the last message Recv decoded, cast to T, mirroring
// get_result<T>()'s behavior of returning empty on a type mismatch
// (§4.5.3).
func GetResult[T object.Record](e *Engine) (T, bool) {
	var zero T
	v, ok := e.lastResult.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// ClientRefreshKey performs client-initiated key refresh (§4.5.4): a fresh
// ephemeral ECDH key pair is generated, its public half sent to the server
// encrypted under the *current* session key, and the new session key
// installed locally once the message has been sent.
func (e *Engine) ClientRefreshKey() error {
	if e.isServer {
		return ErrUnexpectedState
	}
	if e.state != StateConnected && e.state != StateReadyRead {
		return ErrUnexpectedState
	}
	newPriv, err := ecdh.GenerateEphemeral()
	if err != nil {
		return fmt.Errorf("mrpc: generating refresh key: %w", err)
	}
	newKey, err := ecdh.DeriveSessionKey(newPriv, e.serverPub)
	if err != nil {
		return fmt.Errorf("mrpc: deriving refreshed session key: %w", err)
	}
	newWhiten, err := ecdh.DeriveAttachmentWhiteningKey(newPriv, e.serverPub)
	if err != nil {
		return fmt.Errorf("mrpc: deriving refreshed attachment whitening key: %w", err)
	}

	cipher, err := codec.NewAESCBC(e.session.keyBytes(), e.session.keyName())
	if err != nil {
		return err
	}
	if err := e.w.StartEncrypt(e.session.keyName()); err != nil {
		return err
	}
	pubBytes := newPriv.PublicKey().Bytes()
	raw, err := xml.Marshal(&messages.NewEphemeralKey{Key: pubBytes})
	if err != nil {
		return err
	}
	if err := e.w.WriteRaw(raw); err != nil {
		return err
	}
	if err := e.w.StopEncrypt(cipher); err != nil {
		return err
	}

	newInfo := codec.EncodeString(pubBytes)
	e.session.install(newKey, newInfo, newWhiten, time.Now())
	e.state = StateReadyRead
	if e.metrics != nil {
		e.metrics.KeyRefreshes.Inc()
	}
	return nil
}

func (e *Engine) handleKeyChanged(newEphPubDER []byte) error {
	clientPub, err := ecdh.ParseEphemeralPublic(newEphPubDER)
	if err != nil {
		return fmt.Errorf("mrpc: parsing refreshed ephemeral key: %w", err)
	}
	newKey, err := ecdh.DeriveSessionKey(e.serverIdentity, clientPub)
	if err != nil {
		return fmt.Errorf("mrpc: deriving refreshed session key: %w", err)
	}
	newWhiten, err := ecdh.DeriveAttachmentWhiteningKey(e.serverIdentity, clientPub)
	if err != nil {
		return fmt.Errorf("mrpc: deriving refreshed attachment whitening key: %w", err)
	}
	newInfo := codec.EncodeString(newEphPubDER)
	e.session.install(newKey, newInfo, newWhiten, time.Now())
	cacheStore(newInfo, e.session)
	e.keyChangedCount++
	return nil
}

// KeyChangedCount reports how many times this server-side engine has
// installed a client-refreshed session key, exposed for tests.
func (e *Engine) KeyChangedCount() int { return e.keyChangedCount }

// OutByteStream opens an outbound attachment stream multiplexed on the
// same connection (§4.5.7, scenario S6): everything written to the
// returned writer is AES-256-CBC encrypted with the session key and
// preceded by the 0x80 attachment delimiter. The caller should advertise
// the plaintext length in a preceding application message (e.g.
// messages.BigDat.Length) so the peer can bound its InByteStream read.
func (e *Engine) OutByteStream() (io.WriteCloser, error) {
	return e.w.ByteStream(e.session.keyBytes(), e.session.whitenBytes())
}

// LastByteStreamCount returns the encrypted byte count written by the most
// recently closed OutByteStream.
func (e *Engine) LastByteStreamCount() int64 { return e.w.LastByteStreamCount() }

// InByteStream reads an inbound attachment whose plaintext is exactly
// plaintextLen bytes: it consumes the 0x80 delimiter, then decrypts
// exactly the ciphertext span that length implies (IV plus PKCS#7-padded
// blocks), never relying on stream EOF, since further XML traffic may
// follow the attachment on the same connection.
func (e *Engine) InByteStream(plaintextLen int) (io.Reader, error) {
	br := e.r.RawReader()
	if err := codec.ConsumeDelimiter(br, 0x80); err != nil {
		return nil, fmt.Errorf("mrpc: expected attachment delimiter: %w", err)
	}
	sizer := &codec.AESCBC{WriteIV: true}
	cipherLen := sizer.CiphertextSize(plaintextLen)
	return codec.NewStreamReader(io.LimitReader(br, int64(cipherLen)), e.session.keyBytes())
}

// Close ends the conversation and releases the underlying transport.
func (e *Engine) Close() error {
	wasActive := e.state == StateConnected || e.state == StateReadyRead
	e.state = StateClosing
	if wasActive && e.metrics != nil {
		e.metrics.SessionsActive.Dec()
	}
	return e.tr.Close()
}
