package proxymon

import (
	"net/http"
	"strings"
)

var (
	authVocabulary    = []string{"auth_required", "authentication required", "proxy_auth"}
	gatewayVocabulary = []string{"bad gateway", "gateway timeout", "bad_gateway", "gateway_timeout"}
	proxyVocabulary   = []string{"proxy", "tunnel"}

	authHeaders = []string{"Proxy-Authenticate", "WWW-Authenticate"}
)

// Signal is the failure or response information a classification is based on.
// Every field is optional.
type Signal struct {
	Error      string
	StatusCode int
	Headers    http.Header
}

// Classification is the result of classifying a Signal.
type Classification struct {
	Category  Category
	Retryable bool
}

// Classifier maps failure signals to categories. It holds no mutable state.
type Classifier struct {
	signatures []string
}

// NewClassifier creates a classifier for the retryable signatures of cfg.
func NewClassifier(cfg Config) Classifier {
	return Classifier{signatures: cfg.Retry.RetryableSignatures}
}

// Classify always resolves sig to one category. Checks run in order: auth,
// gateway, retryable signature, then the proxy/network fallback.
func (c Classifier) Classify(sig Signal) Classification {
	if cls, ok := c.ClassifyResponse(sig.StatusCode, sig.Headers); ok {
		return cls
	}
	text := strings.ToLower(sig.Error)
	if containsAny(text, authVocabulary) {
		return Classification{Category: CategoryAuth}
	}
	if containsAny(text, gatewayVocabulary) {
		return Classification{Category: CategoryGateway}
	}
	if c.MatchesSignature(text) {
		return Classification{Category: CategoryProxy, Retryable: true}
	}
	return Classification{Category: transportCategory(text)}
}

// ClassifyResponse inspects a completed response for auth or gateway
// conditions. ok is false for a healthy response. Auth wins when both apply.
func (c Classifier) ClassifyResponse(statusCode int, headers http.Header) (Classification, bool) {
	switch {
	case isAuthStatus(statusCode) || hasAuthHeader(headers):
		return Classification{Category: CategoryAuth}, true
	case statusCode == http.StatusBadGateway || statusCode == http.StatusGatewayTimeout:
		return Classification{Category: CategoryGateway}, true
	}
	return Classification{}, false
}

// MatchesSignature reports whether text contains a retryable signature.
func (c Classifier) MatchesSignature(text string) bool {
	return containsAny(strings.ToLower(text), c.signatures)
}

func transportCategory(lowerText string) Category {
	if containsAny(lowerText, proxyVocabulary) {
		return CategoryProxy
	}
	return CategoryNetwork
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized ||
		code == http.StatusForbidden ||
		code == http.StatusProxyAuthRequired
}

func hasAuthHeader(h http.Header) bool {
	for _, name := range authHeaders {
		if len(h.Values(name)) > 0 {
			return true
		}
	}
	// Hosts may hand over lower-cased names without canonicalising the map.
	for name := range h {
		for _, want := range authHeaders {
			if strings.EqualFold(name, want) {
				return true
			}
		}
	}
	return false
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(text, n) {
			return true
		}
	}
	return false
}
