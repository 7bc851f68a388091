package payment

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/mamlink/internal/ledger"
	"github.com/fisaks/mamlink/internal/mam"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func privateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := GenerateKey()
		require.NoError(t, err)
		testKey = k
	})
	return testKey
}

type fakeGateway struct {
	balances  []int64
	txs       []ledger.Transaction
	transfers []ledger.Transfer
	included  bool
}

func (g *fakeGateway) GetNodeInfo(context.Context) (*ledger.NodeInfo, error) {
	return &ledger.NodeInfo{AppName: "fake"}, nil
}

func (g *fakeGateway) GetBalances(context.Context, []string) ([]int64, error) {
	b := g.balances[0]
	if len(g.balances) > 1 {
		g.balances = g.balances[1:]
	}
	return []int64{b}, nil
}

func (g *fakeGateway) FindTransactionObjects(context.Context, []string) ([]ledger.Transaction, error) {
	return g.txs, nil
}

func (g *fakeGateway) GetInclusionStates(_ context.Context, hashes []string) ([]bool, error) {
	out := make([]bool, len(hashes))
	for i := range out {
		out[i] = g.included
	}
	return out, nil
}

func (g *fakeGateway) SendTransfer(_ context.Context, _ string, transfers []ledger.Transfer, _ ledger.TransferOptions) (*ledger.TransferResult, error) {
	g.transfers = append(g.transfers, transfers...)
	return &ledger.TransferResult{TailHash: "TAIL"}, nil
}

const wallet = "WALLETADDRESS9"

func padFragment(msg string) string {
	return msg + strings.Repeat("9", 2187-len(msg))
}

func TestPaymentDelta_ExactPriceOnly(t *testing.T) {
	assert.True(t, IsPaymentDelta(5.0, 5.0))
	assert.True(t, IsPaymentDelta(-5.0, 5.0))
	assert.False(t, IsPaymentDelta(3.0, 5.0))
	assert.False(t, IsPaymentDelta(5.000001, 5.0))
	assert.False(t, IsPaymentDelta(0, 0))
}

func TestWatcher_BaselineThenDelta(t *testing.T) {
	gw := &fakeGateway{balances: []int64{100_000_000, 105_000_000, 105_000_000}}
	w := NewWatcher(gw, wallet)
	ctx := context.Background()

	bal, _, changed, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, bal)
	assert.False(t, changed)

	_, delta, changed, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 5.0, delta)

	_, _, changed, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestDetectPayment_PaysOnExactPrice(t *testing.T) {
	key := privateKey(t)
	msg, err := EncryptKey("BUYERKEY", &key.PublicKey)
	require.NoError(t, err)

	gw := &fakeGateway{
		balances: []int64{100_000_000, 105_000_000},
		txs: []ledger.Transaction{
			{Hash: "ZERO", Address: wallet, Value: 0},
			{Hash: "PAY", Address: wallet, Value: 5_000_000, SignatureMessageFragment: padFragment(msg)},
		},
	}
	s := NewSession(wallet, 5.0, key)
	w := NewWatcher(gw, wallet)
	ctx := context.Background()

	_, _, _, err = w.Poll(ctx)
	require.NoError(t, err)
	_, delta, _, err := w.Poll(ctx)
	require.NoError(t, err)

	p, err := DetectPayment(ctx, gw, wallet, delta, s)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "PAY", p.TxHash)
	assert.Equal(t, "BUYERKEY", p.Key)
	assert.True(t, s.MarkPaid())
	assert.True(t, s.Paid())
}

func TestDetectPayment_WrongAmountDoesNotPay(t *testing.T) {
	gw := &fakeGateway{txs: []ledger.Transaction{{Hash: "PAY", Address: wallet, Value: 3_000_000}}}
	s := NewSession(wallet, 5.0, privateKey(t))

	p, err := DetectPayment(context.Background(), gw, wallet, 103.0-100.0, s)
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.False(t, s.Paid())
}

func TestDetectPayment_GarbledMessageKeepsKey(t *testing.T) {
	gw := &fakeGateway{txs: []ledger.Transaction{{
		Hash: "PAY", Address: wallet, Value: 5_000_000,
		SignatureMessageFragment: padFragment(ledger.ASCIIToTrytes("not base64 !")),
	}}}
	s := NewSession(wallet, 5.0, privateKey(t))

	p, err := DetectPayment(context.Background(), gw, wallet, 5.0, s)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Empty(t, p.Key)
}

func TestSession_FlagsMoveOnce(t *testing.T) {
	s := NewSession(wallet, 1, nil)
	assert.True(t, s.MarkHandshakeSent())
	assert.False(t, s.MarkHandshakeSent())
	assert.True(t, s.MarkPaid())
	assert.False(t, s.MarkPaid())

	s.Restore(false, false)
	assert.True(t, s.HandshakeSent())
	assert.True(t, s.Paid())
}

func TestHandshake_RoundTripThroughHelperCasing(t *testing.T) {
	key := privateKey(t)
	s := NewSession(wallet, 5.0, key)
	raw, err := json.Marshal(s.Handshake())
	require.NoError(t, err)

	hs, err := ParseHandshake([]byte(strings.ToUpper(string(raw))))
	require.NoError(t, err)
	assert.Equal(t, 5.0, hs.Price)
	assert.Equal(t, wallet, hs.Wallet)

	pub, err := hs.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey.N, pub.N)
	assert.Equal(t, key.PublicKey.E, pub.E)

	_, err = ParseHandshake([]byte(`[{"NAME":"X"}]`))
	assert.ErrorIs(t, err, mam.ErrMalformedResponse)
	_, err = ParseHandshake([]byte(`{"TYPE":"data","WALLET":"W","PRICE":1}`))
	assert.ErrorIs(t, err, mam.ErrMalformedResponse)
}

func TestPayer_PayAndConfirm(t *testing.T) {
	key := privateKey(t)
	gw := &fakeGateway{included: true}
	hs := NewHandshakePacket(wallet, 5.0, &key.PublicKey)
	p := NewPayer(gw, strings.Repeat("S", 81))
	ctx := context.Background()

	hash, err := p.Pay(ctx, &hs, 10, "OWNKEY")
	require.NoError(t, err)
	assert.Equal(t, "TAIL", hash)
	require.Len(t, gw.transfers, 1)
	tr := gw.transfers[0]
	assert.Equal(t, int64(5_000_000), tr.Value)
	assert.Equal(t, PaymentTag, tr.Tag)

	decrypted, err := DecryptKey(padFragment(tr.Message), key)
	require.NoError(t, err)
	assert.Equal(t, "OWNKEY", decrypted)

	ok, err := p.Confirmed(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPayer_Refusals(t *testing.T) {
	key := privateKey(t)
	hs := NewHandshakePacket(wallet, 5.0, &key.PublicKey)
	ctx := context.Background()

	_, err := NewPayer(&fakeGateway{}, "").Pay(ctx, &hs, 10, "K")
	assert.ErrorIs(t, err, mam.ErrConfiguration)

	gw := &fakeGateway{}
	_, err = NewPayer(gw, "SEED").Pay(ctx, &hs, 4.99, "K")
	assert.ErrorIs(t, err, ErrAboveThreshold)
	assert.Empty(t, gw.transfers)
}
