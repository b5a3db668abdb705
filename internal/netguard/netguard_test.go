package netguard

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestListenAcceptsLoopback(t *testing.T) {
	g := New(nil, zap.NewNop())
	ln, err := g.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
}

func TestListenRejectsNonLoopback(t *testing.T) {
	g := New(nil, zap.NewNop())
	_, err := g.Listen("tcp", "0.0.0.0:0")
	require.Error(t, err)
	var target *ErrNonLoopback
	require.ErrorAs(t, err, &target)
}

func TestListenAcceptsLocalhostName(t *testing.T) {
	g := New(nil, zap.NewNop())
	ln, err := g.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer ln.Close()
}
