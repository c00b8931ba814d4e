package walletprobe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasUsernameTrue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "walletAddress=")
		w.Write([]byte(`{"hasUsername":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	ok, err := c.HasUsername(context.Background(), common.HexToAddress("0x01"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasUsernameFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"hasUsername":false}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	ok, err := c.HasUsername(context.Background(), common.HexToAddress("0x01"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasUsernameNonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.HasUsername(context.Background(), common.HexToAddress("0x01"))
	assert.Error(t, err)
}

func TestHasUsernameMalformedBodyIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.HasUsername(context.Background(), common.HexToAddress("0x01"))
	assert.Error(t, err)
}

func TestHasUsernameTransportErrorIsError(t *testing.T) {
	c := New("http://127.0.0.1:1") // nothing listening
	_, err := c.HasUsername(context.Background(), common.HexToAddress("0x01"))
	assert.Error(t, err)
}
