package monitor

import (
	"testing"

	"github.com/saveenergy/losstest/pkg/types"
)

type staticSource struct{}

func (staticSource) Stats() types.ServerStats { return types.ServerStats{} }

func TestAllowedOriginWildcard(t *testing.T) {
	s := NewServer(staticSource{}, "test", WithAllowedOrigins([]string{"*.example.com"}))
	defer s.Close()

	if !s.isAllowedOrigin("https://foo.example.com", "foo.example.com") {
		t.Fatalf("expected wildcard origin to be allowed")
	}
	if s.isAllowedOrigin("https://evil.test", "foo.example.com") {
		t.Fatalf("unrelated origin must be rejected")
	}
}

func TestAllowedOriginHostMatch(t *testing.T) {
	s := NewServer(staticSource{}, "test", WithAllowedOrigins([]string{"foo.example.com"}))
	defer s.Close()

	if !s.isAllowedOrigin("https://foo.example.com:8443", "foo.example.com:8443") {
		t.Fatalf("expected host-only origin to be allowed")
	}
}

func TestSameOriginWhenNoListConfigured(t *testing.T) {
	s := NewServer(staticSource{}, "test")
	defer s.Close()

	if !s.isAllowedOrigin("http://127.0.0.1:8080", "127.0.0.1:8080") {
		t.Fatalf("same origin should be allowed")
	}
	if s.isAllowedOrigin("http://other.test", "127.0.0.1:8080") {
		t.Fatalf("cross origin should be rejected without an allow list")
	}
	if !s.isAllowedOrigin("", "127.0.0.1:8080") {
		t.Fatalf("requests without Origin come from non-browser clients")
	}
}
