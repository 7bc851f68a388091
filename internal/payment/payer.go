package payment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/fisaks/mamlink/internal/ledger"
	"github.com/fisaks/mamlink/internal/mam"
)

var (
	ErrAboveThreshold   = errors.New("price above threshold")
	ErrPaymentsDisabled = fmt.Errorf("%w: no seed configured, auto payments disabled", mam.ErrConfiguration)
)

// PaymentTag marks transfers sent by the gateway.
var PaymentTag = strings.Repeat("9", 27)

// Payer buys access to restricted streams announced by a handshake.
type Payer struct {
	gw   ledger.Gateway
	seed string
	opts ledger.TransferOptions
}

func NewPayer(gw ledger.Gateway, seed string) *Payer {
	return &Payer{gw: gw, seed: seed, opts: ledger.DefaultTransferOptions}
}

// Pay sends the announced price to the handshake wallet with ownKey
// encrypted in the message. It returns the tail hash to poll.
func (p *Payer) Pay(ctx context.Context, hs *HandshakePacket, threshold float64, ownKey string) (string, error) {
	if p.seed == "" {
		return "", ErrPaymentsDisabled
	}
	if hs.Price > threshold {
		return "", fmt.Errorf("%w: %v > %v", ErrAboveThreshold, hs.Price, threshold)
	}
	if ownKey == "" {
		return "", fmt.Errorf("%w: %w", mam.ErrConfiguration, mam.ErrMissingKey)
	}
	pub, err := hs.PublicKey()
	if err != nil {
		return "", err
	}
	msg, err := EncryptKey(ownKey, pub)
	if err != nil {
		return "", err
	}
	res, err := p.gw.SendTransfer(ctx, p.seed, []ledger.Transfer{{
		Address: hs.Wallet,
		Value:   int64(math.Round(hs.Price * ledger.IotaPerMiota)),
		Message: msg,
		Tag:     PaymentTag,
	}}, p.opts)
	if err != nil {
		return "", err
	}
	return res.TailHash, nil
}

func (p *Payer) Confirmed(ctx context.Context, tailHash string) (bool, error) {
	states, err := p.gw.GetInclusionStates(ctx, []string{tailHash})
	if err != nil {
		return false, err
	}
	return len(states) > 0 && states[0], nil
}
