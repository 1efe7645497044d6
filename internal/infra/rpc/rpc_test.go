package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

var testRetry = RetryConfig{
	MaxAttempts:     3,
	InitialDelay:    time.Millisecond,
	MaxDelay:        time.Millisecond,
	BackoffMultiple: 2,
}

// jsonRPCServer answers every single request with handle(method, params).
func jsonRPCServer(t *testing.T, handle func(method string, params []any) (any, *Error)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("failed to decode body: %v", err)
			return
		}

		answer := func(req request) map[string]any {
			result, rpcErr := handle(req.Method, req.Params)
			resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
			if rpcErr != nil {
				resp["error"] = rpcErr
			} else {
				resp["result"] = result
			}
			return resp
		}

		if len(raw) > 0 && raw[0] == '[' {
			var batch []request
			_ = json.Unmarshal(raw, &batch)
			out := make([]map[string]any, len(batch))
			// Reverse to check reordering by id.
			for i, req := range batch {
				out[len(batch)-1-i] = answer(req)
			}
			_ = json.NewEncoder(w).Encode(out)
			return
		}

		var req request
		_ = json.Unmarshal(raw, &req)
		_ = json.NewEncoder(w).Encode(answer(req))
	}))
}

func TestClient_Call(t *testing.T) {
	server := jsonRPCServer(t, func(method string, params []any) (any, *Error) {
		if method != "eth_blockNumber" {
			t.Errorf("method = %s", method)
		}
		return "0x10", nil
	})
	defer server.Close()

	c := NewClient("test", testRetry, NewHTTPProvider("mock", server.URL, time.Second))

	var got string
	if err := c.CallInto(context.Background(), &got, "eth_blockNumber"); err != nil {
		t.Fatalf("CallInto() error = %v", err)
	}
	if got != "0x10" {
		t.Errorf("result = %q, want 0x10", got)
	}
}

func TestClient_FatalErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := jsonRPCServer(t, func(method string, params []any) (any, *Error) {
		calls.Add(1)
		return nil, &Error{Code: -32602, Message: "invalid params"}
	})
	defer server.Close()

	c := NewClient("test", testRetry, NewHTTPProvider("mock", server.URL, time.Second))

	_, err := c.Call(context.Background(), "eth_getBlockByNumber", "bad")
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32602 {
		t.Fatalf("error = %v, want rpc error -32602", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestClient_FailoverOnRateLimit(t *testing.T) {
	var limitedCalls atomic.Int32
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limitedCalls.Add(1)
		w.Header().Set("Retry-After", "10")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer limited.Close()

	healthy := jsonRPCServer(t, func(string, []any) (any, *Error) { return "ok", nil })
	defer healthy.Close()

	c := NewClient("test", testRetry,
		NewHTTPProvider("limited", limited.URL, time.Second),
		NewHTTPProvider("healthy", healthy.URL, time.Second),
	)

	for i := 0; i < 2; i++ {
		var got string
		if err := c.CallInto(context.Background(), &got, "eth_chainId"); err != nil {
			t.Fatalf("call %d: error = %v", i, err)
		}
	}
	// The second call starts at the healthy provider.
	if n := limitedCalls.Load(); n != 1 {
		t.Errorf("rate limited provider called %d times, want 1", n)
	}
}

func TestClient_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req request
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "0x1"})
	}))
	defer server.Close()

	c := NewClient("test", testRetry, NewHTTPProvider("flaky", server.URL, time.Second))

	if _, err := c.Call(context.Background(), "eth_blockNumber"); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestClient_BatchCallKeepsRequestOrder(t *testing.T) {
	server := jsonRPCServer(t, func(method string, params []any) (any, *Error) {
		if params[0] == "0x2" {
			return nil, &Error{Code: -32000, Message: "header not found"}
		}
		return params[0], nil
	})
	defer server.Close()

	c := NewClient("test", testRetry, NewHTTPProvider("mock", server.URL, time.Second))

	var reqs []BatchRequest
	for i := 0; i < 4; i++ {
		reqs = append(reqs, BatchRequest{Method: "eth_getBlockByNumber", Params: []any{fmt.Sprintf("0x%x", i)}})
	}
	resps, err := c.BatchCall(context.Background(), reqs)
	if err != nil {
		t.Fatalf("BatchCall() error = %v", err)
	}
	for i, r := range resps {
		if i == 2 {
			if r.Error == nil {
				t.Errorf("response 2 error = nil, want header not found")
			}
			continue
		}
		var got string
		if err := json.Unmarshal(r.Result, &got); err != nil || got != fmt.Sprintf("0x%x", i) {
			t.Errorf("response %d = %s, %v", i, r.Result, err)
		}
	}
}

func TestClient_NoProviders(t *testing.T) {
	c := NewClient("test", testRetry)
	if _, err := c.Call(context.Background(), "eth_blockNumber"); !errors.Is(err, ErrNoProviders) {
		t.Errorf("error = %v, want ErrNoProviders", err)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorAction
	}{
		{"invalid params", &Error{Code: -32602, Message: "invalid params"}, ActionFatal},
		{"method not found", &Error{Code: -32601, Message: "no such method"}, ActionFatal},
		{"quota message", &Error{Code: -32005, Message: "daily request count exceeded"}, ActionFailover},
		{"node error", &Error{Code: -32000, Message: "header not found"}, ActionRetry},
		{"rate limited", &HTTPError{Status: 429}, ActionFailover},
		{"forbidden", &HTTPError{Status: 403}, ActionFailover},
		{"bad gateway", &HTTPError{Status: 502}, ActionRetry},
		{"wrapped", fmt.Errorf("failed after retries: %w", &HTTPError{Status: 429}), ActionFailover},
		{"cancelled", context.Canceled, ActionFatal},
		{"network", errors.New("connection refused"), ActionRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
