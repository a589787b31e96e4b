package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{
			name:       "forwarded chain uses first hop",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1, 192.168.1.1"},
			remoteAddr: "10.0.0.1:4000",
			want:       "203.0.113.1",
		},
		{
			name:       "forwarded single value",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7"},
			remoteAddr: "10.0.0.1:4000",
			want:       "203.0.113.7",
		},
		{
			name:       "real ip fallback",
			headers:    map[string]string{"X-Real-IP": "198.51.100.2"},
			remoteAddr: "10.0.0.1:4000",
			want:       "198.51.100.2",
		},
		{
			name:       "client ip fallback",
			headers:    map[string]string{"X-Client-IP": "198.51.100.3"},
			remoteAddr: "10.0.0.1:4000",
			want:       "198.51.100.3",
		},
		{
			name:       "forwarded wins over real ip",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1", "X-Real-IP": "198.51.100.2"},
			remoteAddr: "10.0.0.1:4000",
			want:       "203.0.113.1",
		},
		{
			name:       "socket address with port",
			remoteAddr: "192.0.2.9:51234",
			want:       "192.0.2.9",
		},
		{
			name:       "ipv6 socket address",
			remoteAddr: "[2001:db8::1]:51234",
			want:       "2001:db8::1",
		},
		{
			name:       "ipv6 header without port",
			headers:    map[string]string{"X-Real-IP": "2001:db8::2"},
			remoteAddr: "10.0.0.1:4000",
			want:       "2001:db8::2",
		},
		{
			name: "nothing at all",
			want: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req))
		})
	}
}
