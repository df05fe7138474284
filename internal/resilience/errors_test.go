package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("overloaded"), 503), true},
		{"wrapped", fmt.Errorf("get batch: %w", NewTransientError(errors.New("rate limited"), 429)), true},
		{"plain", errors.New("invalid model"), false},
		{"conn reset", fmt.Errorf("write: %w", syscall.ECONNRESET), true},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"net timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"pattern", errors.New("read tcp: i/o timeout"), true},
		{"eof pattern", errors.New("unexpected EOF"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 413} {
		assert.False(t, IsTransientHTTPStatus(code), code)
	}
}

func TestStatusError(t *testing.T) {
	err := StatusError("gemini", 503, []byte(" overloaded \n"))
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "gemini: unexpected status 503: overloaded")

	var te *TransientError
	assert.True(t, errors.As(err, &te))
	assert.Equal(t, 503, te.StatusCode)

	err = StatusError("gemini", 400, []byte("bad model"))
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "400")
}
