package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SentinelIQ/SentinelCore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWebhookSenderDelivers(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, "", map[string]string{"Authorization": "Bearer tok"}, time.Second, zap.NewNop().Sugar())
	err := s.Send(context.Background(), "new indicators", map[string]interface{}{"count": 5})
	require.NoError(t, err)
	assert.Equal(t, "new indicators", got["subject"])
}

func TestWebhookSenderErrorClassification(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, "", nil, time.Second, zap.NewNop().Sugar())

	status.Store(http.StatusBadRequest)
	err := s.Send(context.Background(), "x", nil)
	assert.False(t, core.Retryable(err), "4xx is a configuration problem, not retried")

	status.Store(http.StatusBadGateway)
	err = s.Send(context.Background(), "x", nil)
	assert.True(t, core.Retryable(err), "5xx is transient")

	status.Store(http.StatusTooManyRequests)
	err = s.Send(context.Background(), "x", nil)
	assert.True(t, core.Retryable(err), "429 is transient")
}

func TestSlackSenderPostsText(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	}))
	defer srv.Close()

	s := NewSlackSender(srv.URL, time.Second, zap.NewNop().Sugar())
	require.NoError(t, s.Send(context.Background(), "run failed", map[string]interface{}{"module": "feed-x"}))
	assert.Contains(t, body["text"], "run failed")
	assert.Contains(t, body["text"], "feed-x")
}

func TestRunnerSelectsChannel(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	r := NewRunner(time.Second, zap.NewNop().Sugar())
	assert.Equal(t, "notify.send", r.Handler())

	count, out, err := r.Execute(context.Background(),
		map[string]interface{}{"url": srv.URL, "subject": "hello"},
		core.Payload{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Nil(t, out)
	assert.Equal(t, 1, hits)

	_, _, err = r.Execute(context.Background(), map[string]interface{}{}, nil)
	assert.Error(t, err, "missing url is fatal")
	assert.False(t, core.Retryable(err))

	_, _, err = r.Execute(context.Background(),
		map[string]interface{}{"url": srv.URL, "channel": "pager"}, nil)
	assert.Error(t, err)
}
