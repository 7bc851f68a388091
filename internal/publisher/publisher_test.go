package publisher

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/mamlink/internal/mam"
	"github.com/fisaks/mamlink/internal/payment"
	"github.com/fisaks/mamlink/internal/store"
)

type fakeTransport struct {
	mu        sync.Mutex
	published []mam.PublishRequest
}

func (f *fakeTransport) Fetch(context.Context, mam.FetchRequest) (*mam.FetchResult, error) {
	return nil, nil
}

func (f *fakeTransport) Publish(_ context.Context, req mam.PublishRequest) (*mam.PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, req)
	n := len(f.published)
	return &mam.PublishResult{Seed: req.Seed, Start: n, Root: fmt.Sprintf("ROOT%d", n), NextRoot: fmt.Sprintf("ROOT%d", n+1)}, nil
}

func (f *fakeTransport) NextRoot(context.Context, string) (string, error) { return "", nil }

func (f *fakeTransport) calls() []mam.PublishRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mam.PublishRequest(nil), f.published...)
}

var testSeed = strings.Repeat("A", 81)

func newTestRegistry(t *testing.T, st StreamStore) (*Registry, *fakeTransport, *clock.Mock) {
	t.Helper()
	tr := &fakeTransport{}
	clk := clock.NewMock()
	r := NewRegistry(Options{Transport: tr, Store: st, Clock: clk})
	t.Cleanup(r.Close)
	return r, tr, clk
}

func change(item, topic, state string) mam.DataRecord {
	return mam.DataRecord{Name: item, Topic: topic, State: state}
}

func waitPublishes(t *testing.T, tr *fakeTransport, n int) []mam.PublishRequest {
	t.Helper()
	assert.Eventually(t, func() bool { return len(tr.calls()) >= n }, time.Second, 5*time.Millisecond)
	return tr.calls()
}

func TestRegistry_CoalescesBurstIntoOnePublish(t *testing.T) {
	r, tr, clk := newTestRegistry(t, nil)
	ctx := context.Background()
	for _, item := range []string{"Temp", "Lamp"} {
		_, err := r.Register(ctx, StreamConfig{Item: item, Seed: testSeed, Mode: "public"})
		require.NoError(t, err)
	}

	require.NoError(t, r.OnStateChange(change("Temp", "temperature", "20 °C")))
	require.NoError(t, r.OnStateChange(change("Lamp", "switch", "ON")))
	require.NoError(t, r.OnStateChange(change("Temp", "temperature", "21 °C")))

	clk.Add(999 * time.Millisecond)
	assert.Empty(t, tr.calls())

	clk.Add(time.Millisecond)
	calls := waitPublishes(t, tr, 1)
	require.Len(t, calls, 1)

	records, err := mam.DecodeBatch(calls[0].Payload)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Temp", records[0].Name)
	assert.Equal(t, "21 °C", records[0].State)
	assert.Equal(t, "Lamp", records[1].Name)

	// joining a configured seed lets the helper find the position
	assert.Equal(t, mam.NoStart, calls[0].Start)
	assert.Equal(t, testSeed, calls[0].Seed)
}

func TestRegistry_EveryChangeRestartsTimer(t *testing.T) {
	r, tr, clk := newTestRegistry(t, nil)
	_, err := r.Register(context.Background(), StreamConfig{Item: "Temp", Mode: "public"})
	require.NoError(t, err)

	require.NoError(t, r.OnStateChange(change("Temp", "t", "1")))
	clk.Add(900 * time.Millisecond)
	require.NoError(t, r.OnStateChange(change("Temp", "t", "2")))
	clk.Add(900 * time.Millisecond)
	assert.Empty(t, tr.calls())

	clk.Add(100 * time.Millisecond)
	calls := waitPublishes(t, tr, 1)
	assert.Len(t, calls, 1)
	assert.Equal(t, 0, calls[0].Start)
	assert.Len(t, calls[0].Seed, 81)
}

func TestRegistry_UnknownItem(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	err := r.OnStateChange(change("Nope", "", "1"))
	assert.ErrorIs(t, err, ErrUnknownItem)
}

func TestRegistry_ConfigurationErrors(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := r.Register(ctx, StreamConfig{Item: "A", Mode: "secret"})
	assert.ErrorIs(t, err, mam.ErrConfiguration)

	_, err = r.Register(ctx, StreamConfig{Item: "A", Mode: "public", Price: 5})
	assert.ErrorIs(t, err, mam.ErrConfiguration)

	s, err := r.Register(ctx, StreamConfig{Item: "A", Mode: "restricted", Seed: "bad seed"})
	require.NoError(t, err)
	st := s.Writer.State()
	assert.NotEqual(t, "bad seed", st.Seed)
	assert.Equal(t, 0, st.Start)
	assert.Len(t, st.Key, 81)
}

func TestRegistry_HandshakeThenReleaseAfterPayment(t *testing.T) {
	r, tr, clk := newTestRegistry(t, nil)
	ctx := context.Background()
	_, err := r.Register(ctx, StreamConfig{Item: "Temp", Seed: testSeed, Mode: "restricted", Key: "SELLERKEY", Price: 5, Wallet: "WALLET"})
	require.NoError(t, err)

	require.NoError(t, r.OnStateChange(change("Temp", "temperature", "20 °C")))
	clk.Add(time.Second)
	calls := waitPublishes(t, tr, 1)
	require.Len(t, calls, 1)

	hs, err := payment.ParseHandshake(calls[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, 5.0, hs.Price)
	assert.Equal(t, mam.ModeRestricted, calls[0].Mode)
	assert.Equal(t, "SELLERKEY", calls[0].Key)

	// handshake goes out once
	require.NoError(t, r.EnsureHandshake(ctx, "WALLET"))
	assert.Len(t, tr.calls(), 1)

	assert.True(t, r.ReleaseAfterPayment(ctx, "WALLET", "BUYERKEY"))
	assert.False(t, r.ReleaseAfterPayment(ctx, "WALLET", "OTHER"))

	clk.Add(4 * time.Second)
	assert.Len(t, tr.calls(), 1)
	clk.Add(time.Second)
	calls = waitPublishes(t, tr, 2)
	require.Len(t, calls, 2)
	assert.Equal(t, "BUYERKEY", calls[1].Key)
	records, err := mam.DecodeBatch(calls[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, "20 °C", records[0].State)
}

func TestRegistry_NoWalletNoHandshake(t *testing.T) {
	r, tr, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	s, err := r.Register(ctx, StreamConfig{Item: "Temp", Mode: "restricted", Key: "K", Price: 1})
	require.NoError(t, err)
	s.merge(change("Temp", "t", "1"))

	require.NoError(t, r.Flush(ctx, s, "batch"))
	assert.Empty(t, tr.calls())
	assert.False(t, s.Session.HandshakeSent())
}

func TestRegistry_RemoveItem(t *testing.T) {
	r, tr, clk := newTestRegistry(t, nil)
	ctx := context.Background()
	for _, item := range []string{"A", "B"} {
		_, err := r.Register(ctx, StreamConfig{Item: item, Seed: testSeed})
		require.NoError(t, err)
		require.NoError(t, r.OnStateChange(change(item, "t", item)))
	}
	clk.Add(time.Second)
	waitPublishes(t, tr, 1)

	assert.True(t, r.RemoveItem(ctx, "A"))
	assert.False(t, r.RemoveItem(ctx, "A"))
	clk.Add(time.Second)
	calls := waitPublishes(t, tr, 2)
	records, err := mam.DecodeBatch(calls[1].Payload)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "B", records[0].Name)

	assert.ErrorIs(t, r.OnStateChange(change("A", "t", "x")), ErrUnknownItem)
}

func TestRegistry_ResumesFromStore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "mamlink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	r1, tr1, clk1 := newTestRegistry(t, st)
	s1, err := r1.Register(ctx, StreamConfig{Item: "Temp", Mode: "public"})
	require.NoError(t, err)
	require.NoError(t, r1.OnStateChange(change("Temp", "t", "1")))
	clk1.Add(time.Second)
	waitPublishes(t, tr1, 1)
	assert.Eventually(t, func() bool {
		row, err := st.StreamForItem(ctx, "Temp")
		return err == nil && row != nil && row.Start == 1
	}, time.Second, 5*time.Millisecond)

	r2, tr2, clk2 := newTestRegistry(t, st)
	s2, err := r2.Register(ctx, StreamConfig{Item: "Temp", Mode: "public"})
	require.NoError(t, err)
	assert.Equal(t, s1.ID, s2.ID)
	require.NoError(t, r2.OnStateChange(change("Temp", "t", "2")))
	clk2.Add(time.Second)
	calls := waitPublishes(t, tr2, 1)
	assert.Equal(t, 1, calls[0].Start)
	assert.Equal(t, s1.Writer.State().Seed, calls[0].Seed)
}

func TestRegistry_InvalidSeedIsSharedByItsItems(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	a, err := r.Register(ctx, StreamConfig{Item: "A", Seed: "not-a-seed"})
	require.NoError(t, err)
	b, err := r.Register(ctx, StreamConfig{Item: "B", Seed: "not-a-seed"})
	require.NoError(t, err)
	c, err := r.Register(ctx, StreamConfig{Item: "C", Seed: "another-bad-seed"})
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotEqual(t, a.ID, c.ID)
	assert.NotEqual(t, "not-a-seed", a.Writer.State().Seed)
	assert.ElementsMatch(t, []string{"A", "B"}, a.Items())
}

func TestRegistry_InvalidSeedKeepsReplacementAcrossRestart(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "mamlink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	cfg := StreamConfig{Item: "Temp", Seed: "not-a-seed", Mode: "restricted", Key: "SELLERKEY", Price: 2, Wallet: "WALLET"}

	r1, _, _ := newTestRegistry(t, st)
	s1, err := r1.Register(ctx, cfg)
	require.NoError(t, err)
	assert.True(t, r1.ReleaseAfterPayment(ctx, "WALLET", "BUYERKEY"))

	r2, _, _ := newTestRegistry(t, st)
	s2, err := r2.Register(ctx, cfg)
	require.NoError(t, err)
	other := cfg
	other.Item = "Humidity"
	s3, err := r2.Register(ctx, other)
	require.NoError(t, err)

	assert.Equal(t, s1.ID, s2.ID)
	assert.Equal(t, s1.Writer.State().Seed, s2.Writer.State().Seed)
	assert.True(t, s2.Session.Paid())
	assert.Equal(t, "BUYERKEY", s2.Writer.Key())
	assert.Same(t, s2, s3)
}

func TestDebouncer_StopDropsPending(t *testing.T) {
	clk := clock.NewMock()
	d := NewDebouncer(clk)
	var fired atomic.Int32

	assert.False(t, d.Debounce("k", time.Second, func() { fired.Add(1) }))
	assert.True(t, d.Debounce("k", time.Second, func() { fired.Add(1) }))
	assert.True(t, d.Pending("k"))

	d.Stop()
	clk.Add(2 * time.Second)
	assert.Equal(t, int32(0), fired.Load())
	assert.False(t, d.Debounce("k", time.Second, func() { fired.Add(1) }))
}

func TestDebouncer_KeysAreIndependent(t *testing.T) {
	clk := clock.NewMock()
	d := NewDebouncer(clk)
	var a, b atomic.Int32

	d.Debounce("a", time.Second, func() { a.Add(1) })
	d.Debounce("b", 2*time.Second, func() { b.Add(1) })
	clk.Add(time.Second)
	assert.Eventually(t, func() bool { return a.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), b.Load())

	d.Cancel("b")
	clk.Add(time.Second)
	assert.Equal(t, int32(0), b.Load())
	assert.False(t, d.Pending("b"))
}
