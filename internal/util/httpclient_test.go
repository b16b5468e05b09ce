package util

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Backoff{Attempts: 5, Initial: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhausted(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Backoff{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}, func() error {
		calls++
		return errors.New("down")
	})
	require.EqualError(t, err, "down")
	assert.Equal(t, 3, calls)
}

func TestRetryPermanent(t *testing.T) {
	calls := 0
	boom := errors.New("bad request")
	err := Retry(context.Background(), Backoff{Attempts: 4, Initial: time.Millisecond}, func() error {
		calls++
		return Permanent(boom)
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetrySingleAttemptByDefault(t *testing.T) {
	calls := 0
	_ = Retry(context.Background(), Backoff{}, func() error {
		calls++
		return errors.New("x")
	})
	assert.Equal(t, 1, calls)
}

func TestPost(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNoContent)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/plain", r.Header.Get("Content-Type"))
		assert.Equal(t, "t1", r.Header.Get("X-Scope-OrgID"))
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c := NewHTTPClient(time.Second)
	h := http.Header{"X-Scope-OrgID": []string{"t1"}}
	require.NoError(t, Post(context.Background(), c, srv.URL, "text/plain", []byte("x"), h))

	status.Store(http.StatusBadRequest)
	err := Post(context.Background(), c, srv.URL, "text/plain", nil, h)
	require.Error(t, err)
	var p permanentError
	assert.True(t, errors.As(err, &p))

	status.Store(http.StatusServiceUnavailable)
	err = Post(context.Background(), c, srv.URL, "text/plain", nil, h)
	require.Error(t, err)
	assert.False(t, errors.As(err, &p))
}
