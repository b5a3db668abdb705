package capture

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skelly-jelly/pipeline/internal/bus"
	"github.com/skelly-jelly/pipeline/internal/config"
	"github.com/skelly-jelly/pipeline/internal/model"
)

func TestCaptureStartPublishesRawEventsAndReady(t *testing.T) {
	b := bus.New()
	defer b.Close()

	ready := make(chan struct{}, 1)
	_, err := b.Subscribe("test.ready", bus.Filter{PayloadType: bus.PayloadIs[model.ModuleReady]()}, bus.BestEffort, func(_ context.Context, msg bus.Message) error {
		if r, ok := msg.Payload.(model.ModuleReady); ok && r.ModuleID == model.ModuleCapture {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
		return nil
	})
	require.NoError(t, err)

	var mouseSeen int32
	_, err = b.SubscribeRawEvents("test.raw", func(ev model.RawEvent) {
		if ev.Header.Kind == model.EventMouse {
			mouseSeen++
		}
	})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Capture.ScreenshotsPerMin = 0 // keep the test fast and deterministic
	snap := config.NewSnapshot(cfg)

	c := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Start(ctx, b, snap))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		_ = c.Stop(stopCtx)
	}()

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("capture never published ModuleReady")
	}

	require.Eventually(t, func() bool { return mouseSeen > 0 }, 2*time.Second, 20*time.Millisecond)
}

func TestPrivacyFilterDropsDenyListedApp(t *testing.T) {
	f := NewPrivacyFilter([]string{"secretapp"})

	ev := model.RawEvent{
		Header: model.EventHeader{Kind: model.EventWindowFocus},
		Window: &model.WindowEvent{AppName: "SecretApp", WindowTitle: "private notes"},
	}
	_, ok := f.Apply(ev)
	require.False(t, ok)
}

func TestPrivacyFilterMasksBrowserURLAndTitle(t *testing.T) {
	f := NewPrivacyFilter(nil)

	ev := model.RawEvent{
		Header: model.EventHeader{Kind: model.EventWindowFocus},
		Window: &model.WindowEvent{AppName: "browser", WindowTitle: "My Bank Login", IsBrowser: true, URLDomain: "https://www.bank.example.com/login?x=1"},
	}
	out, ok := f.Apply(ev)
	require.True(t, ok)
	require.Empty(t, out.Window.WindowTitle)
	require.Equal(t, "bank.example.com", out.Window.URLDomain)
}

func TestRegistrableDomainHandlesBareHost(t *testing.T) {
	require.Equal(t, "example.com", registrableDomain("www.example.com:8080"))
	require.Equal(t, "", registrableDomain(""))
}
