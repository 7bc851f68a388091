package payment

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/fisaks/mamlink/internal/ledger"
	"github.com/fisaks/mamlink/internal/logging"
)

// Watcher remembers the balance of one wallet address between ticks.
type Watcher struct {
	gw      ledger.Gateway
	address string

	mu   sync.Mutex
	last float64
	seen bool
}

func NewWatcher(gw ledger.Gateway, address string) *Watcher {
	return &Watcher{gw: gw, address: address}
}

func (w *Watcher) Address() string { return w.address }

// Poll returns the current balance in Miota and the change since the last
// poll. The first poll only records a baseline.
func (w *Watcher) Poll(ctx context.Context) (balance, delta float64, changed bool, err error) {
	balance, err = ledger.BalanceMiota(ctx, w.gw, w.address)
	if err != nil {
		return 0, 0, false, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen && balance != w.last {
		delta = balance - w.last
		changed = true
	}
	w.last = balance
	w.seen = true
	return balance, delta, changed, nil
}

// Payment is a detected transfer that unlocks a session.
type Payment struct {
	TxHash string
	// Key is the buyer's stream key, empty when it could not be decrypted.
	Key string
}

// IsPaymentDelta compares exactly. A balance moving by anything but the
// price is not taken as a payment.
func IsPaymentDelta(delta, price float64) bool {
	return price > 0 && math.Abs(delta) == price
}

// DetectPayment looks up the value transaction behind a balance change of
// exactly the session price and recovers the key it carries.
func DetectPayment(ctx context.Context, gw ledger.Gateway, address string, delta float64, s *Session) (*Payment, error) {
	if !IsPaymentDelta(delta, s.Price()) {
		return nil, nil
	}
	txs, err := gw.FindTransactionObjects(ctx, []string{address})
	if err != nil {
		return nil, err
	}
	want := ledger.NormalizeAddress(address)
	for _, tx := range txs {
		if ledger.NormalizeAddress(tx.Address) != want || tx.Value == 0 {
			continue
		}
		p := &Payment{TxHash: tx.Hash}
		key, err := DecryptKey(tx.SignatureMessageFragment, s.PrivateKey())
		switch {
		case err == nil:
			p.Key = key
		case errors.Is(err, ErrCrypto):
			logging.Warn("Could not recover buyer key, keeping publisher key", "wallet", address, "tx", tx.Hash, "error", err)
		default:
			return nil, err
		}
		return p, nil
	}
	logging.Debug("Balance changed by the price but no value transaction found", "wallet", address)
	return nil, nil
}
