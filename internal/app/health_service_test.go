package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dokzlo13/milightd/internal/config"
)

func TestHealthService_Ready(t *testing.T) {
	connected := false
	s := NewHealthService(&config.Config{}, func() bool { return connected })
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	get := func(path string) int {
		resp, err := http.Get(srv.URL + path)
		if !assert.NoError(t, err) {
			return 0
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, get("/health"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/ready"))

	connected = true
	assert.Equal(t, http.StatusOK, get("/ready"))
}
