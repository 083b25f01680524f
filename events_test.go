package proxymon_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikiz24/proxymon"
)

func TestDecodeEvent_RequestStarted(t *testing.T) {
	ev, err := proxymon.DecodeEvent([]byte(`{
		"type": "request_started",
		"event": {
			"id": "42",
			"url": "https://gateway.zscaler.net/auth",
			"initiator": "https://app.example",
			"headers": {"Proxy-Authorization": ["Basic abc"]}
		}
	}`))
	require.NoError(t, err)

	started, ok := ev.(proxymon.RequestStarted)
	require.True(t, ok)
	assert.Equal(t, "42", started.ID)
	assert.Equal(t, "https://gateway.zscaler.net/auth", started.URL)
	assert.Equal(t, "Basic abc", started.Headers.Get("Proxy-Authorization"))
	assert.Equal(t, proxymon.TypeRequestStarted, ev.EventType())
}

func TestDecodeEvent_RequestFailed(t *testing.T) {
	ev, err := proxymon.DecodeEvent([]byte(`{"type":"request_failed","event":{"id":"7","url":"https://x","error":"net::ERR_PROXY_CONNECTION_FAILED","retryTarget":"12"}}`))
	require.NoError(t, err)

	failed := ev.(proxymon.RequestFailed)
	assert.Equal(t, proxymon.RetryTarget("12"), failed.RetryTarget)
	assert.Equal(t, "net::ERR_PROXY_CONNECTION_FAILED", failed.Error)
}

func TestDecodeEvent_ProxyConfigChangedNeedsNoID(t *testing.T) {
	ev, err := proxymon.DecodeEvent([]byte(`{"type":"proxy_config_changed","event":{"config":{"mode":"fixed_servers","rules":{"singleProxy":{"host":"proxy.zscaler.net","port":80}}}}}`))
	require.NoError(t, err)

	changed := ev.(proxymon.ProxyConfigChanged)
	assert.Equal(t, []string{"proxy.zscaler.net"}, changed.Config.Hosts())
}

func TestDecodeEvent_Errors(t *testing.T) {
	_, err := proxymon.DecodeEvent([]byte(`{"type":"request_completed","event":{"url":"https://x"}}`))
	assert.ErrorIs(t, err, proxymon.ErrMissingRequestID)

	_, err = proxymon.DecodeEvent([]byte(`{"type":"tab_closed","event":{}}`))
	assert.ErrorIs(t, err, proxymon.ErrUnknownEventType)

	_, err = proxymon.DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeEvents_Batch(t *testing.T) {
	events, err := proxymon.DecodeEvents([]byte(`[
		{"type":"request_started","event":{"id":"1","url":"https://a"}},
		{"type":"request_completed","event":{"id":"1","url":"https://a","statusCode":200}}
	]`))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 200, events[1].(proxymon.RequestCompleted).StatusCode)
}

func TestDecodeEvents_FailsOnBadEntry(t *testing.T) {
	_, err := proxymon.DecodeEvents([]byte(`[{"type":"request_started","event":{"id":"1"}},{"type":"nope"}]`))
	assert.ErrorIs(t, err, proxymon.ErrUnknownEventType)
	assert.Contains(t, err.Error(), "event 1")
}

func TestProxyConfig_HostsIncludesPACScript(t *testing.T) {
	cfg := proxymon.ProxyConfig{
		Mode: "pac_script",
		Rules: &proxymon.ProxyRules{
			ProxyForHTTPS: &proxymon.ProxyServer{Host: "https.zscaler.net"},
			FallbackProxy: &proxymon.ProxyServer{Host: ""},
		},
		PACScript: "https://pac.zscaler.net/proxy.pac",
	}
	assert.Equal(t, []string{"https.zscaler.net", "https://pac.zscaler.net/proxy.pac"}, cfg.Hosts())
}

func TestFeed_PublishAndClose(t *testing.T) {
	feed := proxymon.NewFeed(1)
	ctx := context.Background()

	require.NoError(t, feed.Publish(ctx, proxymon.RequestStarted{ID: "1"}))
	ev := <-feed.Events()
	assert.Equal(t, "1", ev.(proxymon.RequestStarted).ID)

	feed.Close()
	feed.Close()
	assert.ErrorIs(t, feed.Publish(ctx, proxymon.RequestStarted{ID: "2"}), proxymon.ErrFeedClosed)

	_, open := <-feed.Events()
	assert.False(t, open)
}

func TestFeed_PublishRespectsContext(t *testing.T) {
	feed := proxymon.NewFeed(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := feed.Publish(ctx, proxymon.RequestStarted{ID: "1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
