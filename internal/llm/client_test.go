package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrelay/devrelay/internal/common/config"
	"github.com/devrelay/devrelay/internal/common/logger"
)

func TestOpenAIClient_RequestTimeoutBoundsEachCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read can observe the
		// client disconnect and cancel the request context.
		io.Copy(io.Discard, r.Body)
		// Hold the request open until the client gives up.
		<-r.Context().Done()
	}))
	defer srv.Close()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	c := NewOpenAIClient(config.LLMConfig{
		APIKey:         "test",
		BaseURL:        srv.URL + "/v1",
		Model:          "test-model",
		RequestTimeout: 1,
		MaxRetries:     1,
	}, log)

	// A generous deadline on the caller's context, as a long turn timeout
	// produces, must not disable the per-call bound.
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	start := time.Now()
	_, err = c.Stream(ctx, Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}
