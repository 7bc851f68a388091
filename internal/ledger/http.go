package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fisaks/mamlink/internal/logging"
)

const apiVersionHeader = "X-IOTA-API-Version"

type HTTPGatewayConfig struct {
	Endpoint string // protocol://host:port
	Timeout  time.Duration
	// Balance queries only count confirmed transactions above this percentage.
	Threshold int
}

// HTTPGateway talks to an IOTA node over its JSON command API.
type HTTPGateway struct {
	config HTTPGatewayConfig
	client *http.Client
	sender TransferSender
}

func NewHTTPGateway(cfg HTTPGatewayConfig, sender TransferSender) *HTTPGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 100
	}
	return &HTTPGateway{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		sender: sender,
	}
}

func (g *HTTPGateway) Endpoint() string { return g.config.Endpoint }

func (g *HTTPGateway) call(ctx context.Context, req any, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedger, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(apiVersionHeader, "1")

	res, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedger, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrLedger, err)
	}
	if res.StatusCode != http.StatusOK {
		var apiErr struct {
			Error     string `json:"error"`
			Exception string `json:"exception"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		msg := apiErr.Error
		if msg == "" {
			msg = apiErr.Exception
		}
		if msg == "" {
			msg = http.StatusText(res.StatusCode)
		}
		return fmt.Errorf("%w: node returned %d: %s", ErrLedger, res.StatusCode, msg)
	}
	if err := json.Unmarshal(raw, resp); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrLedger, err)
	}
	return nil
}

func (g *HTTPGateway) GetNodeInfo(ctx context.Context) (*NodeInfo, error) {
	var info NodeInfo
	if err := g.call(ctx, map[string]any{"command": "getNodeInfo"}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (g *HTTPGateway) GetBalances(ctx context.Context, addresses []string) ([]int64, error) {
	normalized := make([]string, len(addresses))
	for i, a := range addresses {
		normalized[i] = NormalizeAddress(a)
	}
	var resp struct {
		Balances []string `json:"balances"`
	}
	err := g.call(ctx, map[string]any{
		"command":   "getBalances",
		"addresses": normalized,
		"threshold": g.config.Threshold,
	}, &resp)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(resp.Balances))
	for i, b := range resp.Balances {
		v, err := strconv.ParseInt(b, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: balance %q: %v", ErrLedger, b, err)
		}
		out[i] = v
	}
	return out, nil
}

func (g *HTTPGateway) FindTransactionObjects(ctx context.Context, addresses []string) ([]Transaction, error) {
	normalized := make([]string, len(addresses))
	for i, a := range addresses {
		normalized[i] = NormalizeAddress(a)
	}
	var found struct {
		Hashes []string `json:"hashes"`
	}
	if err := g.call(ctx, map[string]any{"command": "findTransactions", "addresses": normalized}, &found); err != nil {
		return nil, err
	}
	if len(found.Hashes) == 0 {
		return nil, nil
	}

	var trytes struct {
		Trytes []string `json:"trytes"`
	}
	if err := g.call(ctx, map[string]any{"command": "getTrytes", "hashes": found.Hashes}, &trytes); err != nil {
		return nil, err
	}
	if len(trytes.Trytes) != len(found.Hashes) {
		return nil, fmt.Errorf("%w: got %d trytes for %d hashes", ErrLedger, len(trytes.Trytes), len(found.Hashes))
	}

	txs := make([]Transaction, 0, len(trytes.Trytes))
	for i, raw := range trytes.Trytes {
		tx, err := ParseTransaction(found.Hashes[i], raw)
		if err != nil {
			logging.Warn("Skipping undecodable transaction", "hash", found.Hashes[i], "error", err)
			continue
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (g *HTTPGateway) GetInclusionStates(ctx context.Context, hashes []string) ([]bool, error) {
	info, err := g.GetNodeInfo(ctx)
	if err != nil {
		return nil, err
	}
	var resp struct {
		States []bool `json:"states"`
	}
	err = g.call(ctx, map[string]any{
		"command":      "getInclusionStates",
		"transactions": hashes,
		"tips":         []string{info.LatestMilestone},
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.States, nil
}

func (g *HTTPGateway) SendTransfer(ctx context.Context, seed string, transfers []Transfer, opts TransferOptions) (*TransferResult, error) {
	if g.sender == nil {
		return nil, fmt.Errorf("%w: no transfer sender configured", ErrLedger)
	}
	return g.sender.SendTransfer(ctx, seed, transfers, opts)
}
