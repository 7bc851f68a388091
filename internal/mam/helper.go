package mam

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fisaks/mamlink/internal/ledger"
	"github.com/fisaks/mamlink/internal/logging"
)

const (
	scriptFetchSync  = "fetchSync.js"
	scriptFetchAsync = "fetchAsync.js"
	scriptPublish    = "publish.js"
	scriptNextRoot   = "getNextRoot.js"
	scriptTransfer   = "transfer.js"
)

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%w: %s", err, msg)
		}
		return out, err
	}
	return out, nil
}

type HelperConfig struct {
	NodeBinary string
	ScriptDir  string
	Endpoint   string // protocol://host:port of the IOTA node
	Timeout    time.Duration
}

// HelperTransport runs the Node.js MAM client scripts and parses the JSON
// they print on stdout.
type HelperTransport struct {
	config HelperConfig
	run    Runner
}

func NewHelperTransport(cfg HelperConfig, run Runner) *HelperTransport {
	if cfg.NodeBinary == "" {
		cfg.NodeBinary = "node"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if run == nil {
		run = ExecRunner
	}
	return &HelperTransport{config: cfg, run: run}
}

func (h *HelperTransport) exec(ctx context.Context, script string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	argv := append([]string{filepath.Join(h.config.ScriptDir, script), h.config.Endpoint}, args...)
	start := time.Now()
	out, err := h.run(ctx, h.config.NodeBinary, argv...)
	logging.Debug("Helper finished", "script", script, "duration", time.Since(start), "bytes", len(out))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTransport, script, err)
	}
	return out, nil
}

func (h *HelperTransport) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	script := scriptFetchAsync
	if req.Sync {
		script = scriptFetchSync
	}
	args := []string{req.Root, string(req.Mode)}
	if req.Key != "" {
		args = append(args, req.Key)
	}
	out, err := h.exec(ctx, script, args...)
	if err != nil {
		return nil, err
	}
	return parseFetchOutput(out)
}

func parseFetchOutput(out []byte) (*FetchResult, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no output", ErrMalformedResponse)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(out, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(obj) == 0 {
		return nil, nil
	}

	res := &FetchResult{}
	for k, v := range obj {
		if strings.EqualFold(k, "NEXTROOT") {
			if err := json.Unmarshal(v, &res.NextRoot); err != nil {
				return nil, fmt.Errorf("%w: NEXTROOT: %v", ErrMalformedResponse, err)
			}
			continue
		}
		// The helper keys the message content by its own field name.
		res.Payload = v
	}
	if res.NextRoot == "" {
		return nil, fmt.Errorf("%w: missing NEXTROOT", ErrMalformedResponse)
	}
	return res, nil
}

func (h *HelperTransport) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	if err := CheckKey(req.Mode, req.Key); err != nil {
		return nil, err
	}
	args := []string{string(req.Payload), string(req.Mode)}
	if req.Mode == ModeRestricted {
		args = append(args, req.Key)
	}
	if req.Seed != "" {
		args = append(args, req.Seed)
		if req.Start != NoStart {
			args = append(args, strconv.Itoa(req.Start))
		}
	}

	out, err := h.exec(ctx, scriptPublish, args...)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Seed     string  `json:"SEED"`
		Start    flexInt `json:"START"`
		Root     string  `json:"ROOT"`
		NextRoot string  `json:"NEXTROOT"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(out), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if resp.Seed == "" || resp.Root == "" {
		return nil, fmt.Errorf("%w: publish returned no seed or root", ErrMalformedResponse)
	}
	return &PublishResult{
		Seed:     resp.Seed,
		Start:    int(resp.Start),
		Root:     resp.Root,
		NextRoot: resp.NextRoot,
	}, nil
}

// NextRoot accepts a bare root as well as {"NEXTROOT": ...}.
func (h *HelperTransport) NextRoot(ctx context.Context, root string) (string, error) {
	out, err := h.exec(ctx, scriptNextRoot, root)
	if err != nil {
		return "", err
	}
	out = bytes.TrimSpace(out)
	if len(out) > 0 && out[0] == '{' {
		var resp struct {
			NextRoot string `json:"NEXTROOT"`
		}
		if err := json.Unmarshal(out, &resp); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		out = []byte(resp.NextRoot)
	}
	next := string(out)
	if next == "" || !ledger.IsTrytes(next) {
		return "", fmt.Errorf("%w: invalid next root %q", ErrMalformedResponse, next)
	}
	return next, nil
}

// SendTransfer signs and attaches a value bundle through the transfer script.
func (h *HelperTransport) SendTransfer(ctx context.Context, seed string, transfers []ledger.Transfer, opts ledger.TransferOptions) (*ledger.TransferResult, error) {
	if len(transfers) != 1 {
		return nil, fmt.Errorf("%w: helper sends exactly one transfer, got %d", ledger.ErrLedger, len(transfers))
	}
	tr := transfers[0]
	out, err := h.exec(ctx, scriptTransfer,
		seed,
		tr.Address,
		strconv.FormatInt(tr.Value, 10),
		tr.Message,
		tr.Tag,
		strconv.Itoa(opts.Depth),
		strconv.Itoa(opts.MinWeightMagnitude),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrLedger, err)
	}
	var res ledger.TransferResult
	if err := json.Unmarshal(bytes.TrimSpace(out), &res); err != nil {
		return nil, fmt.Errorf("%w: transfer output: %v", ledger.ErrLedger, err)
	}
	if res.TailHash == "" {
		return nil, fmt.Errorf("%w: transfer returned no hash", ledger.ErrLedger)
	}
	return &res, nil
}

// flexInt decodes numbers the helper prints either bare or quoted.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" || s == "undefined" {
		*f = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*f = flexInt(v)
	return nil
}
