package server

import (
	"testing"
	"time"

	"github.com/ChuLiYu/fleet-rpc/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func TestServeAndStop(t *testing.T) {
	lis := bufconn.Listen(1 << 16)
	var registered bool
	s := New(&rpc.Options{}, nil, func(grpc.ServiceRegistrar) { registered = true })
	require.True(t, registered)
	assert.Nil(t, s.Addr())

	s.Serve(lis)
	assert.NotNil(t, s.Addr())

	s.Stop(time.Second)
	s.Stop(time.Second)

	select {
	case err := <-s.Err():
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}

	_, err := lis.Dial()
	assert.Error(t, err, "listener is closed with the server")
}
