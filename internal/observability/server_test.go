package observability

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestServerDisabledWhenPortZero(t *testing.T) {
	s := NewServer(zap.NewNop())
	require.NoError(t, s.Start(nil, 0))
	require.Nil(t, s.listener)
	require.NoError(t, s.Stop(context.Background()))
}

func TestServerServesMetricsOnLoopback(t *testing.T) {
	s := NewServer(zap.NewNop())
	require.NoError(t, s.Start(nil, 19117))
	defer s.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)
	resp, err := http.Get("http://127.0.0.1:19117/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NotEmpty(t, body)
}
