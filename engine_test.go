package mrpc_test

import (
	stdecdh "crypto/ecdh"
	"crypto/ecdsa"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mrpcec.io/mrpc"
	"mrpcec.io/mrpc/ecdh"
	"mrpcec.io/mrpc/messages"
	"mrpcec.io/mrpc/transport"
)

type fixture struct {
	serverIdentity *stdecdh.PrivateKey
	clientIdentity *ecdsa.PrivateKey
	lookup         mrpc.PublicKeyLookup
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	serverKey, err := ecdh.GenerateEphemeral()
	require.NoError(t, err)
	clientKey, err := ecdh.GenerateIdentity()
	require.NoError(t, err)

	lookup := func(keyID string) (*ecdsa.PublicKey, bool) {
		if keyID != "client-1" {
			return nil, false
		}
		return &clientKey.PublicKey, true
	}

	return &fixture{serverIdentity: serverKey, clientIdentity: clientKey, lookup: lookup}
}

func TestHandshakeAndMessageExchange(t *testing.T) {
	f := newFixture(t)
	clientTr, serverTr := transport.Pipe()

	srv := mrpc.NewServer(serverTr, f.serverIdentity, f.lookup, mrpc.DefaultServerPolicy)
	cli := mrpc.NewClient(clientTr, &mrpc.Session{}, mrpc.ClientIdentity{KeyID: "client-1", Priv: f.clientIdentity})

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Accept() }()

	require.NoError(t, cli.StartSession("alice", "devbox", "test-suite/1.0", f.serverIdentity.PublicKey()))
	require.NoError(t, <-serverErr)

	assert.Equal(t, mrpc.StateConnected, cli.State())
	assert.Equal(t, mrpc.StateConnected, srv.State())

	sendErr := make(chan error, 1)
	go func() { sendErr <- cli.Send(&messages.Person{Name: "Ada"}) }()

	rec, err := srv.Recv()
	require.NoError(t, err)
	require.NoError(t, <-sendErr)

	person, ok := rec.(*messages.Person)
	require.True(t, ok)
	assert.Equal(t, "Ada", person.Name)

	go func() { sendErr <- srv.Send(&messages.Person{Name: "reply"}) }()
	rec, err = cli.Recv()
	require.NoError(t, err)
	require.NoError(t, <-sendErr)

	reply, ok := mrpc.GetResult[*messages.Person](cli)
	require.True(t, ok)
	assert.Equal(t, "reply", reply.Name)
	assert.Same(t, rec, reply)

	require.NoError(t, cli.Close())
	require.NoError(t, srv.Close())
}

func TestAuthFailureUnknownKeyID(t *testing.T) {
	f := newFixture(t)
	clientTr, serverTr := transport.Pipe()

	srv := mrpc.NewServer(serverTr, f.serverIdentity, f.lookup, mrpc.DefaultServerPolicy)
	impostor, err := ecdh.GenerateIdentity()
	require.NoError(t, err)
	cli := mrpc.NewClient(clientTr, &mrpc.Session{}, mrpc.ClientIdentity{KeyID: "nobody", Priv: impostor})

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Accept() }()

	err = cli.StartSession("mallory", "devbox", "test-suite/1.0", f.serverIdentity.PublicKey())
	require.Error(t, err)
	var authErr *mrpc.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, messages.ErrTokenAuthFailed, authErr.Reason)

	srvErr := <-serverErr
	require.Error(t, srvErr)
	require.ErrorAs(t, srvErr, &authErr)
}

func TestSessionReuseAcrossReconnect(t *testing.T) {
	f := newFixture(t)
	session := &mrpc.Session{}
	identity := mrpc.ClientIdentity{KeyID: "client-1", Priv: f.clientIdentity}

	clientTr1, serverTr1 := transport.Pipe()
	srv1 := mrpc.NewServer(serverTr1, f.serverIdentity, f.lookup, mrpc.DefaultServerPolicy)
	cli1 := mrpc.NewClient(clientTr1, session, identity)

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv1.Accept() }()
	require.NoError(t, cli1.StartSession("alice", "devbox", "1.0", f.serverIdentity.PublicKey()))
	require.NoError(t, <-serverErr)
	firstInfo := session.Snapshot().Info
	require.NoError(t, cli1.Close())
	require.NoError(t, srv1.Close())

	sizeBefore := mrpc.CacheSize()

	clientTr2, serverTr2 := transport.Pipe()
	srv2 := mrpc.NewServer(serverTr2, f.serverIdentity, f.lookup, mrpc.DefaultServerPolicy)
	cli2 := mrpc.NewClient(clientTr2, session, identity)

	go func() { serverErr <- srv2.Accept() }()
	require.NoError(t, cli2.StartSession("alice", "devbox", "1.0", f.serverIdentity.PublicKey()))
	require.NoError(t, <-serverErr)

	assert.Equal(t, firstInfo, session.Snapshot().Info, "reused session should keep the same ephemeral cipher")
	assert.Equal(t, sizeBefore, mrpc.CacheSize(), "reuse must not grow the server cache")

	require.NoError(t, cli2.Close())
	require.NoError(t, srv2.Close())
}

func TestClientKeyRefresh(t *testing.T) {
	f := newFixture(t)
	clientTr, serverTr := transport.Pipe()

	srv := mrpc.NewServer(serverTr, f.serverIdentity, f.lookup, mrpc.DefaultServerPolicy)
	cli := mrpc.NewClient(clientTr, &mrpc.Session{}, mrpc.ClientIdentity{KeyID: "client-1", Priv: f.clientIdentity})

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Accept() }()
	require.NoError(t, cli.StartSession("alice", "devbox", "1.0", f.serverIdentity.PublicKey()))
	require.NoError(t, <-serverErr)

	oldKey := cli.Session().Snapshot().SessionKey

	// Recv consumes the MrpcNewEphemeralKey itself and only returns with
	// the next application message, so the refresh and that message are
	// sent from one goroutine.
	refreshErr := make(chan error, 2)
	go func() {
		refreshErr <- cli.ClientRefreshKey()
		refreshErr <- cli.Send(&messages.Person{Name: "post-refresh"})
	}()
	rec, err := srv.Recv()
	require.NoError(t, err)
	require.NoError(t, <-refreshErr) // ClientRefreshKey
	require.NoError(t, <-refreshErr) // Send

	assert.Equal(t, 1, srv.KeyChangedCount())
	newKey := cli.Session().Snapshot().SessionKey
	assert.NotEqual(t, oldKey, newKey)

	person := rec.(*messages.Person)
	assert.Equal(t, "post-refresh", person.Name)

	require.NoError(t, cli.Close())
	require.NoError(t, srv.Close())
}

func TestGetPublicKey(t *testing.T) {
	f := newFixture(t)
	clientTr, serverTr := transport.Pipe()

	srv := mrpc.NewServer(serverTr, f.serverIdentity, f.lookup, mrpc.DefaultServerPolicy)
	cli := mrpc.NewClient(clientTr, &mrpc.Session{}, mrpc.ClientIdentity{KeyID: "client-1", Priv: f.clientIdentity})

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Accept() }()

	pub, err := cli.GetPublicKey()
	require.NoError(t, err)
	assert.Equal(t, f.serverIdentity.PublicKey().Bytes(), pub.Bytes())

	require.NoError(t, cli.StartSession("alice", "devbox", "1.0", f.serverIdentity.PublicKey()))
	require.NoError(t, <-serverErr)

	require.NoError(t, cli.Close())
	require.NoError(t, srv.Close())
}

func TestAttachmentByteStream(t *testing.T) {
	f := newFixture(t)
	clientTr, serverTr := transport.Pipe()

	srv := mrpc.NewServer(serverTr, f.serverIdentity, f.lookup, mrpc.DefaultServerPolicy)
	cli := mrpc.NewClient(clientTr, &mrpc.Session{}, mrpc.ClientIdentity{KeyID: "client-1", Priv: f.clientIdentity})

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Accept() }()
	require.NoError(t, cli.StartSession("alice", "devbox", "1.0", f.serverIdentity.PublicKey()))
	require.NoError(t, <-serverErr)

	payload := make([]byte, 70000)
	for i := range payload {
		payload[i] = byte(i)
	}

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- cli.Send(&messages.BigDat{Length: uint64(len(payload)), Name: "blob"})
		stream, err := cli.OutByteStream()
		if err != nil {
			sendErr <- err
			return
		}
		_, err = stream.Write(payload)
		sendErr <- err
		if err != nil {
			return
		}
		sendErr <- stream.Close()
	}()

	rec, err := srv.Recv()
	require.NoError(t, err)
	bigDat, ok := rec.(*messages.BigDat)
	require.True(t, ok)
	assert.EqualValues(t, len(payload), bigDat.Length)

	require.NoError(t, <-sendErr) // Send
	in, err := srv.InByteStream(int(bigDat.Length))
	require.NoError(t, err)
	got, err := io.ReadAll(in)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, <-sendErr) // stream.Write
	require.NoError(t, <-sendErr) // stream.Close

	// A further message on the same connection still decodes cleanly,
	// proving the attachment read did not overrun into the trailing XML.
	go func() { sendErr <- cli.Send(&messages.Person{Name: "after-attachment"}) }()
	rec, err = srv.Recv()
	require.NoError(t, err)
	require.NoError(t, <-sendErr)
	assert.Equal(t, "after-attachment", rec.(*messages.Person).Name)

	require.NoError(t, cli.Close())
	require.NoError(t, srv.Close())
}
