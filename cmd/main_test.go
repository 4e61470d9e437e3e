package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/divortio/wafu/internal/config"
	"github.com/divortio/wafu/internal/sinks"
	"github.com/divortio/wafu/internal/store"
	"github.com/divortio/wafu/internal/waf"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildSinkDefaultsToMemory(t *testing.T) {
	sink := buildSink(newTestLogger(), config.DecisionLogConfig{})
	_, ok := sink.(*sinks.Memory)
	require.True(t, ok, "expected memory sink by default")
}

// waitForEndpoint polls target with client until it returns 200 or timeout
// elapses, to confirm a freshly started listener is actually accepting
// connections.
func waitForEndpoint(t *testing.T, client httpDoer, target string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, target, nil)
		require.NoError(t, err)
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("endpoint %s never became ready", target)
}

func TestBuildSinkHTTPDeliversToWebhook(t *testing.T) {
	var received atomic.Int32
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only POSTs are deliveries; waitForEndpoint's readiness probe is a GET.
		if r.Method == http.MethodPost {
			received.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer webhook.Close()

	var client httpDoer = http.DefaultClient
	waitForEndpoint(t, client, webhook.URL, time.Second)

	sink := buildSink(newTestLogger(), config.DecisionLogConfig{
		Sink: "http",
		HTTP: config.HTTPSinkConfig{URL: webhook.URL, MaxElapsedSeconds: 1},
	})
	err := sink.Append(context.Background(), map[string]string{"action": "BLOCK"})
	require.NoError(t, err)
	require.Equal(t, int32(1), received.Load())
}

func TestBuildSinkAMQPFallsBackOnDialFailure(t *testing.T) {
	sink := buildSink(newTestLogger(), config.DecisionLogConfig{
		Sink: "amqp",
		AMQP: config.AMQPSinkConfig{URL: "amqp://nonexistent.invalid:5672/"},
	})
	_, ok := sink.(*sinks.Memory)
	require.True(t, ok, "expected fallback to memory sink on dial failure")
}

func TestApplySeedAddsOnlyMissingEntriesToPopulatedStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mgr, err := store.NewManager(ctx, dir, sinks.NewMemory(), newTestLogger())
	require.NoError(t, err)
	defer mgr.Close()

	store.ConfigureEvaluator(0)

	_, err = mgr.Global().CreateRule(ctx, "test", waf.Rule{
		Name:       "manual",
		Enabled:    true,
		Action:     waf.ActionBlock,
		Expression: []waf.Predicate{{Field: "request.method", Operator: waf.OpEquals, Value: "GET"}},
		Priority:   1,
	})
	require.NoError(t, err)

	bundle := config.SeedBundle{
		Rules: []waf.Rule{{
			ID:         "seed-rule",
			Name:       "seed",
			Enabled:    true,
			Action:     waf.ActionBlock,
			Expression: []waf.Predicate{{Field: "request.method", Operator: waf.OpEquals, Value: "POST"}},
			Priority:   2,
		}},
	}
	applySeed(ctx, newTestLogger(), mgr, bundle)

	snap, err := mgr.Global().GetSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Rules, 2)
}
