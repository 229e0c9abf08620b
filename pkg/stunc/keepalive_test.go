package stunc

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keepaliveResult struct {
	mapped *net.UDPAddr
	err    error
}

func TestKeepaliveReportsFirstMappingOnce(t *testing.T) {
	srv := newTestServer(t)
	tr := newClient(t, fastConfig())

	results := make(chan keepaliveResult, 16)
	k := NewKeepalive(tr, srv.Addr(), fastConfig(), 5*time.Millisecond, func(mapped *net.UDPAddr, err error) {
		results <- keepaliveResult{mapped, err}
	})
	require.NoError(t, k.Start())
	defer k.Close()

	select {
	case r := <-results:
		require.NoError(t, r.err)
		assert.True(t, SameEndpoint(r.mapped, tr.LocalAddr()))
	case <-time.After(time.Second):
		t.Fatal("no keepalive report")
	}

	require.Eventually(t, func() bool { return srv.Requests() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Len(t, results, 0, "unchanged mapping must not be reported again")
	assert.NotNil(t, k.Mapped())
}

func TestKeepaliveReportsErrors(t *testing.T) {
	srv := newTestServer(t)
	srv.setErrorCode(420)
	tr := newClient(t, fastConfig())

	results := make(chan keepaliveResult, 16)
	k := NewKeepalive(tr, srv.Addr(), fastConfig(), time.Hour, func(mapped *net.UDPAddr, err error) {
		results <- keepaliveResult{mapped, err}
	})
	require.NoError(t, k.Start())
	defer k.Close()

	select {
	case r := <-results:
		var status *StatusError
		require.True(t, errors.As(r.err, &status))
		assert.Equal(t, 420, status.Code)
		assert.Nil(t, r.mapped)
	case <-time.After(time.Second):
		t.Fatal("no keepalive report")
	}
}

func TestKeepaliveStartTwiceAndClose(t *testing.T) {
	srv := newTestServer(t)
	tr := newClient(t, fastConfig())

	k := NewKeepalive(tr, srv.Addr(), fastConfig(), time.Hour, func(*net.UDPAddr, error) {})
	require.NoError(t, k.Start())
	assert.Error(t, k.Start())

	assert.NoError(t, k.Close())
	assert.NoError(t, k.Close())
	assert.ErrorIs(t, k.Start(), ErrClosed)
}
