package tcp

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialListenRoundTrip(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan struct{})
	go func() {
		defer close(accepted)
		conn, err := ln.Accept()
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		buf := make([]byte, 5)
		_, err = io.ReadFull(conn, buf)
		assert.NoError(t, err)
		assert.Equal(t, "hello", string(buf))

		_, err = conn.Write([]byte("world"))
		assert.NoError(t, err)
	}()

	conn, err := Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))

	<-accepted
}
