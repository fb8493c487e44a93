package mrpc_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mrpcec.io/mrpc"
	"mrpcec.io/mrpc/messages"
	"mrpcec.io/mrpc/transport"
)

func TestMetricsRecordHandshakeAndTraffic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := mrpc.NewMetrics(reg)

	f := newFixture(t)
	clientTr, serverTr := transport.Pipe()

	srv := mrpc.NewServer(serverTr, f.serverIdentity, f.lookup, mrpc.DefaultServerPolicy)
	srv.SetMetrics(m)
	cli := mrpc.NewClient(clientTr, &mrpc.Session{}, mrpc.ClientIdentity{KeyID: "client-1", Priv: f.clientIdentity})
	cli.SetMetrics(m)

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Accept() }()
	require.NoError(t, cli.StartSession("alice", "devbox", "1.0", f.serverIdentity.PublicKey()))
	require.NoError(t, <-serverErr)

	sendErr := make(chan error, 1)
	go func() { sendErr <- cli.Send(&messages.Person{Name: "Ada"}) }()
	_, err := srv.Recv()
	require.NoError(t, err)
	require.NoError(t, <-sendErr)

	mf, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mf)

	require.NoError(t, cli.Close())
	require.NoError(t, srv.Close())
}

func TestMetricsNilIsNoOp(t *testing.T) {
	f := newFixture(t)
	clientTr, serverTr := transport.Pipe()
	srv := mrpc.NewServer(serverTr, f.serverIdentity, f.lookup, mrpc.DefaultServerPolicy)
	cli := mrpc.NewClient(clientTr, &mrpc.Session{}, mrpc.ClientIdentity{KeyID: "client-1", Priv: f.clientIdentity})

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Accept() }()
	require.NoError(t, cli.StartSession("alice", "devbox", "1.0", f.serverIdentity.PublicKey()))
	require.NoError(t, <-serverErr)

	require.NoError(t, cli.Close())
	require.NoError(t, srv.Close())
}
