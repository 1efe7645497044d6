package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/chainsync/internal/core/config"
	"github.com/vietddude/chainsync/internal/indexing/health"
	"github.com/vietddude/chainsync/internal/infra/storage/memory"
)

type rpcRequest struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// evmNode serves eth_getBlockByNumber for blocks 0..latest.
func evmNode(t *testing.T, latest, finalized uint64) *httptest.Server {
	t.Helper()

	block := func(tag string) any {
		var n uint64
		switch tag {
		case "latest":
			n = latest
		case "finalized":
			n = finalized
		default:
			v, err := strconv.ParseUint(strings.TrimPrefix(tag, "0x"), 16, 64)
			if err != nil || v > latest {
				return nil
			}
			n = v
		}
		return map[string]any{
			"number":       fmt.Sprintf("0x%x", n),
			"hash":         fmt.Sprintf("0xh%d", n),
			"parentHash":   fmt.Sprintf("0xh%d", int64(n)-1),
			"timestamp":    fmt.Sprintf("0x%x", 1700000000+n),
			"gasUsed":      "0x0",
			"transactions": []string{},
		}
	}
	answer := func(req rpcRequest) map[string]any {
		if req.Method != "eth_getBlockByNumber" {
			return map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32601, "message": "method not found"}}
		}
		return map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": block(req.Params[0].(string))}
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("failed to decode body: %v", err)
			return
		}
		if raw[0] == '[' {
			var batch []rpcRequest
			_ = json.Unmarshal(raw, &batch)
			out := make([]map[string]any, len(batch))
			for i, req := range batch {
				out[i] = answer(req)
			}
			_ = json.NewEncoder(w).Encode(out)
			return
		}
		var req rpcRequest
		_ = json.Unmarshal(raw, &req)
		_ = json.NewEncoder(w).Encode(answer(req))
	}))
}

func testConfig(url string, from, to uint64) config.AppConfig {
	return config.AppConfig{
		Chain: config.ChainConfig{
			Name:       "TEST",
			Providers:  []config.ProviderConfig{{Name: "node", URL: url}},
			From:       from,
			To:         &to,
			RPCTimeout: 5 * time.Second,
		},
		Sync: config.SyncConfig{
			WindowSize:          100,
			Stride:              4,
			Concurrency:         3,
			PollInterval:        10 * time.Millisecond,
			IdleTimeout:         time.Second,
			MaxGapDepth:         10,
			ForkProbeDepth:      10,
			ConsistencyAttempts: 3,
			ConsistencyDelay:    time.Millisecond,
		},
	}
}

func TestApp_SyncsBoundedRange(t *testing.T) {
	node := evmNode(t, 30, 25)
	defer node.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	app, err := New(ctx, testConfig(node.URL, 5, 20), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer app.Close()

	if err := app.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	db := app.Database().(*memory.DB)
	head, _ := db.GetHead(ctx)
	if head == nil || head.Number != 20 || head.Hash != "0xh20" {
		t.Fatalf("head = %v, want 20#0xh20", head)
	}
	fin, _ := db.GetFinalizedHead(ctx)
	if fin == nil || fin.Number != 20 {
		t.Errorf("finalized = %v, want 20", fin)
	}

	if _, ok := db.Entity(BlockEntity, "4"); ok {
		t.Error("block 4 stored, want sync to start at 5")
	}
	data, ok := db.Entity(BlockEntity, "12")
	if !ok {
		t.Fatal("block 12 not stored")
	}
	var rec BlockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.Hash != "0xh12" || rec.ParentHash != "0xh11" {
		t.Errorf("record = %+v", rec)
	}

	if report := app.Monitor().CheckHealth(ctx); report.State != health.StateSynced {
		t.Errorf("state = %s, want synced", report.State)
	}
}

func TestApp_StopsOnCancel(t *testing.T) {
	node := evmNode(t, 30, 25)
	defer node.Close()

	cfg := testConfig(node.URL, 0, 0)
	cfg.Chain.To = nil

	app, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		head, _ := app.Database().GetHead(context.Background())
		if head != nil && head.Number == 30 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("head = %v, want 30", head)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
