package ledger

import (
	"context"
	"errors"
	"fmt"
)

// ErrLedger marks failures talking to the IOTA node. They are recoverable:
// callers log them and retry on the next tick.
var ErrLedger = errors.New("ledger error")

// IotaPerMiota converts raw balances to the Miota unit channels report.
const IotaPerMiota = 1_000_000

type NodeInfo struct {
	AppName              string `json:"appName"`
	AppVersion           string `json:"appVersion"`
	LatestMilestone      string `json:"latestMilestone"`
	LatestMilestoneIndex int64  `json:"latestMilestoneIndex"`
}

type Transaction struct {
	Hash                     string
	Address                  string
	Value                    int64
	SignatureMessageFragment string
}

type Transfer struct {
	Address string
	Value   int64
	Message string // trytes
	Tag     string
}

type TransferOptions struct {
	Depth              int
	MinWeightMagnitude int
	Security           int
}

// DefaultTransferOptions suit the public testnet.
var DefaultTransferOptions = TransferOptions{Depth: 2, MinWeightMagnitude: 9, Security: 2}

type TransferResult struct {
	TailHash string `json:"HASH"`
}

// Gateway is the subset of the IOTA node API the gateway depends on.
type Gateway interface {
	GetNodeInfo(ctx context.Context) (*NodeInfo, error)
	GetBalances(ctx context.Context, addresses []string) ([]int64, error)
	FindTransactionObjects(ctx context.Context, addresses []string) ([]Transaction, error)
	GetInclusionStates(ctx context.Context, hashes []string) ([]bool, error)
	SendTransfer(ctx context.Context, seed string, transfers []Transfer, opts TransferOptions) (*TransferResult, error)
}

// TransferSender submits signed value bundles. The node API cannot sign, so
// the HTTP gateway hands transfers to an external helper.
type TransferSender interface {
	SendTransfer(ctx context.Context, seed string, transfers []Transfer, opts TransferOptions) (*TransferResult, error)
}

// BalanceMiota returns the balance of a single address in Miota.
func BalanceMiota(ctx context.Context, g Gateway, address string) (float64, error) {
	balances, err := g.GetBalances(ctx, []string{address})
	if err != nil {
		return 0, err
	}
	if len(balances) == 0 {
		return 0, fmt.Errorf("%w: empty balances response", ErrLedger)
	}
	return float64(balances[0]) / IotaPerMiota, nil
}
