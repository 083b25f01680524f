package proxymon_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nikiz24/proxymon"
)

func newClassifier() proxymon.Classifier {
	return proxymon.NewClassifier(proxymon.DefaultConfig())
}

func TestClassify_Table(t *testing.T) {
	tests := []struct {
		name      string
		sig       proxymon.Signal
		category  proxymon.Category
		retryable bool
	}{
		{"407 status", proxymon.Signal{StatusCode: 407}, proxymon.CategoryAuth, false},
		{"401 status", proxymon.Signal{StatusCode: 401}, proxymon.CategoryAuth, false},
		{"403 status", proxymon.Signal{StatusCode: 403}, proxymon.CategoryAuth, false},
		{"502 status", proxymon.Signal{StatusCode: 502}, proxymon.CategoryGateway, false},
		{"504 status", proxymon.Signal{StatusCode: 504}, proxymon.CategoryGateway, false},
		{"auth text", proxymon.Signal{Error: "net::ERR_PROXY_AUTH_REQUESTED"}, proxymon.CategoryAuth, false},
		{"gateway text", proxymon.Signal{Error: "upstream said Bad Gateway"}, proxymon.CategoryGateway, false},
		{"proxy signature", proxymon.Signal{Error: "net::ERR_PROXY_CONNECTION_FAILED"}, proxymon.CategoryProxy, true},
		{"tunnel signature", proxymon.Signal{Error: "net::ERR_TUNNEL_CONNECTION_FAILED"}, proxymon.CategoryProxy, true},
		{"generic network signature", proxymon.Signal{Error: "Network Error"}, proxymon.CategoryProxy, true},
		{"proxy vocabulary without signature", proxymon.Signal{Error: "proxy refused"}, proxymon.CategoryProxy, false},
		{"plain network failure", proxymon.Signal{Error: "net::ERR_NAME_RESOLUTION_FAILED"}, proxymon.CategoryNetwork, false},
		{"empty signal", proxymon.Signal{}, proxymon.CategoryNetwork, false},
	}

	c := newClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.sig)
			assert.Equal(t, tt.category, got.Category)
			assert.Equal(t, tt.retryable, got.Retryable)
			assert.True(t, got.Category.Valid())
		})
	}
}

func TestClassify_AuthBeatsGateway(t *testing.T) {
	h := http.Header{}
	h.Set("Proxy-Authenticate", `Basic realm="corp"`)

	got := newClassifier().Classify(proxymon.Signal{StatusCode: 502, Headers: h})
	assert.Equal(t, proxymon.CategoryAuth, got.Category)
}

func TestClassifyResponse_LowercaseHeaderName(t *testing.T) {
	h := http.Header{"www-authenticate": {"Negotiate"}}

	cls, ok := newClassifier().ClassifyResponse(200, h)
	assert.True(t, ok)
	assert.Equal(t, proxymon.CategoryAuth, cls.Category)
}

func TestClassifyResponse_Healthy(t *testing.T) {
	_, ok := newClassifier().ClassifyResponse(200, http.Header{"Content-Type": {"text/html"}})
	assert.False(t, ok)
}

func TestClassify_CustomSignature(t *testing.T) {
	cfg := proxymon.DefaultConfig().Merge(proxymon.Overrides{
		RetryableSignatures: []string{"err_connection_reset"},
	})
	got := proxymon.NewClassifier(cfg).Classify(proxymon.Signal{Error: "net::ERR_CONNECTION_RESET"})
	assert.Equal(t, proxymon.CategoryProxy, got.Category)
	assert.True(t, got.Retryable)
}
