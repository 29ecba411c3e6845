package forward

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerebras-proxy/cerebras-proxy/internal/config"
	"github.com/cerebras-proxy/cerebras-proxy/internal/credential"
)

type fakeRescuer struct {
	result *RescueResult
	err    error
	calls  int32
}

func (f *fakeRescuer) Dispatch(ctx context.Context, method, path string, headers http.Header, body []byte, modelOverride string) (*RescueResult, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.result, f.err
}

func newTestEngine(t *testing.T, cfg *config.Config, pool *credential.Pool, rescuer Rescuer) *Engine {
	t.Helper()
	return New(cfg, pool, rescuer, http.DefaultClient, nil, nil)
}

func baseConfig(primaryURL string) *config.Config {
	return &config.Config{
		PrimaryBaseURL:         primaryURL,
		Cooldown:               time.Minute,
		OversizeThresholdBytes: 564000,
	}
}

func TestServe_HappyPath(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-a", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}]}`))
	}))
	defer upstream.Close()

	pool := credential.NewPool([]config.Credential{{Name: "A", Secret: "secret-a"}}, nil)
	engine := newTestEngine(t, baseConfig(upstream.URL), pool, &fakeRescuer{})

	body := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	resp := engine.Serve(context.Background(), http.MethodPost, "chat/completions", http.Header{}, body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, pool.Status().Keys[0].ErrorCount)
}

func TestServe_RotatesOnKeyPressure(t *testing.T) {
	t.Parallel()
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer upstream.Close()

	pool := credential.NewPool([]config.Credential{
		{Name: "A", Secret: "secret-a"},
		{Name: "B", Secret: "secret-b"},
	}, nil)
	engine := newTestEngine(t, baseConfig(upstream.URL), pool, &fakeRescuer{})

	body := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	resp := engine.Serve(context.Background(), http.MethodPost, "chat/completions", http.Header{}, body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	status := pool.Status()
	assert.Equal(t, "B", status.CurrentKey)
}

func TestServe_OverContextRescuesWhenConfigured(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"context_length_exceeded"}}`))
	}))
	defer upstream.Close()

	pool := credential.NewPool([]config.Credential{{Name: "A", Secret: "secret-a"}}, nil)
	cfg := baseConfig(upstream.URL)
	cfg.AlternativeA = config.RescueUpstream{Name: "synthetic", APIKey: "alt-key", DefaultModel: "alt-model"}

	rescuer := &fakeRescuer{result: &RescueResult{Upstream: "synthetic", StatusCode: 200, Header: http.Header{}, Body: []byte(`{"ok":true}`)}}
	engine := newTestEngine(t, cfg, pool, rescuer)

	body := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	resp := engine.Serve(context.Background(), http.MethodPost, "chat/completions", http.Header{}, body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, rescuer.calls)
}

func TestServe_OverContextReturnsVerbatimWithoutRescue(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"context_length_exceeded"}}`))
	}))
	defer upstream.Close()

	pool := credential.NewPool([]config.Credential{{Name: "A", Secret: "secret-a"}}, nil)
	engine := newTestEngine(t, baseConfig(upstream.URL), pool, &fakeRescuer{})

	body := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	resp := engine.Serve(context.Background(), http.MethodPost, "chat/completions", http.Header{}, body)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServe_EmbeddedQuotaRescuesWhenConfigured(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"token quota is not enough"}}]}`))
	}))
	defer upstream.Close()

	pool := credential.NewPool([]config.Credential{{Name: "A", Secret: "secret-a"}}, nil)
	cfg := baseConfig(upstream.URL)
	cfg.AlternativeA = config.RescueUpstream{Name: "synthetic", APIKey: "alt-key", DefaultModel: "alt-model"}

	rescuer := &fakeRescuer{result: &RescueResult{Upstream: "synthetic", StatusCode: 200, Header: http.Header{}, Body: []byte(`{"ok":true}`)}}
	engine := newTestEngine(t, cfg, pool, rescuer)

	body := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	resp := engine.Serve(context.Background(), http.MethodPost, "chat/completions", http.Header{}, body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.EqualValues(t, 1, rescuer.calls)
}

func TestServe_EmbeddedQuotaReturnsOriginalResponseWithoutRescue(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"token quota is not enough"}}]}`))
	}))
	defer upstream.Close()

	pool := credential.NewPool([]config.Credential{{Name: "A", Secret: "secret-a"}}, nil)
	engine := newTestEngine(t, baseConfig(upstream.URL), pool, &fakeRescuer{})

	body := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	resp := engine.Serve(context.Background(), http.MethodPost, "chat/completions", http.Header{}, body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "token quota is not enough")
	assert.Equal(t, 0, pool.Status().Keys[0].ErrorCount)
}

func TestServe_KeyPressureContinuesRetryingWithoutRescueUntilCooldownClears(t *testing.T) {
	t.Parallel()
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer upstream.Close()

	pool := credential.NewPool([]config.Credential{{Name: "A", Secret: "secret-a"}}, nil)
	cfg := baseConfig(upstream.URL)
	cfg.Cooldown = 10 * time.Millisecond
	cfg.FallbackOnCooldown = true // no rescue upstream configured, so the loop must retry rather than fail
	engine := newTestEngine(t, cfg, pool, &fakeRescuer{})

	body := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	resp := engine.Serve(context.Background(), http.MethodPost, "chat/completions", http.Header{}, body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServe_OtherStatusReturnedVerbatim(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	pool := credential.NewPool([]config.Credential{{Name: "A", Secret: "secret-a"}}, nil)
	engine := newTestEngine(t, baseConfig(upstream.URL), pool, &fakeRescuer{})

	body := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	resp := engine.Serve(context.Background(), http.MethodPost, "chat/completions", http.Header{}, body)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestServe_FailsWhenRetriesExhaustedAndNoRescue(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	pool := credential.NewPool([]config.Credential{{Name: "A", Secret: "secret-a"}}, nil)
	cfg := baseConfig(upstream.URL)
	cfg.Cooldown = 10 * time.Millisecond // keeps the all-cooling sleep in Select short
	engine := newTestEngine(t, cfg, pool, &fakeRescuer{})

	body := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	resp := engine.Serve(context.Background(), http.MethodPost, "chat/completions", http.Header{}, body)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "Maximum retries exceeded")
}

func TestServe_OversizeRoutesDirectlyToRescueWithoutContactingPrimary(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("primary upstream must not be contacted for an oversize request")
	}))
	defer upstream.Close()

	pool := credential.NewPool([]config.Credential{{Name: "A", Secret: "secret-a"}}, nil)
	cfg := baseConfig(upstream.URL)
	cfg.OversizeThresholdBytes = 10
	cfg.AlternativeA = config.RescueUpstream{Name: "synthetic", APIKey: "alt-key", DefaultModel: "alt-model"}

	rescuer := &fakeRescuer{result: &RescueResult{Upstream: "synthetic", StatusCode: 200, Header: http.Header{}, Body: []byte(`{}`)}}
	engine := newTestEngine(t, cfg, pool, rescuer)

	body := []byte(`{"model":"m","messages":[{"role":"user","content":"this body is long enough to exceed the tiny threshold"}]}`)
	headers := http.Header{"Content-Length": {"1000000"}}
	resp := engine.Serve(context.Background(), http.MethodPost, "chat/completions", headers, body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, rescuer.calls)
}

func TestServe_RepairsToolCallsBeforeForwarding(t *testing.T) {
	t.Parallel()
	var receivedBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedBody, _ = readAll(r)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer upstream.Close()

	pool := credential.NewPool([]config.Credential{{Name: "A", Secret: "secret-a"}}, nil)
	engine := newTestEngine(t, baseConfig(upstream.URL), pool, &fakeRescuer{})

	body := []byte(`{"model":"m","messages":[
		{"role":"user","content":"hi"},
		{"role":"assistant","content":null,"tool_calls":[{"id":"t1","type":"function"}]},
		{"role":"user","content":"continue"}
	]}`)
	resp := engine.Serve(context.Background(), http.MethodPost, "chat/completions", http.Header{}, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded struct {
		Messages []map[string]any `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(receivedBody, &decoded))
	require.Len(t, decoded.Messages, 4)
	assert.Equal(t, "tool", decoded.Messages[2]["role"])
	assert.Equal(t, "t1", decoded.Messages[2]["tool_call_id"])
}

func readAll(r *http.Request) ([]byte, error) {
	return io.ReadAll(r.Body)
}
