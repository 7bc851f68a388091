package modbus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/mamlink/internal/config"
	"github.com/fisaks/mamlink/internal/mam"
)

type fakeReader struct {
	unit       byte
	coils      map[uint16]bool
	holding    map[uint16]uint16
	readErr    error
	connectErr error
	connects   int
	closed     int
}

func (f *fakeReader) Connect() error {
	f.connects++
	return f.connectErr
}
func (f *fakeReader) Close() error    { f.closed++; return nil }
func (f *fakeReader) SetUnit(id byte) { f.unit = id }

func (f *fakeReader) ReadCoils(addr, _ uint16) ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	if f.coils[addr] {
		return []byte{0x01}, nil
	}
	return []byte{0x00}, nil
}

func (f *fakeReader) ReadDiscreteInputs(addr, qty uint16) ([]byte, error) {
	return f.ReadCoils(addr, qty)
}

func (f *fakeReader) ReadHoldingRegisters(addr, _ uint16) ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	v := f.holding[addr]
	return []byte{byte(v >> 8), byte(v)}, nil
}

func (f *fakeReader) ReadInputRegisters(addr, qty uint16) ([]byte, error) {
	return f.ReadHoldingRegisters(addr, qty)
}

type sink struct{ recs []mam.DataRecord }

func (s *sink) OnStateChange(rec mam.DataRecord) error {
	s.recs = append(s.recs, rec)
	return nil
}

func newTestPoller(t *testing.T, r *fakeReader) (*BusPoller, *sink) {
	t.Helper()
	cfg := &config.ModbusConfig{
		PollIntervalMs: 10,
		Buses:          []config.BusConfig{{BusId: "b1", Type: "tcp", TCPAddr: "127.0.0.1:502"}},
		Items: []config.ModbusItem{
			{Item: "Pump", Bus: "b1", UnitId: 3, Register: "coil", Address: 1},
			{Item: "Temp", Bus: "b1", UnitId: 4, Register: "holding", Address: 10, Scale: 0.5, Unit: "°C", Topic: "temperature"},
			{Item: "Other", Bus: "b2", Register: "coil"},
		},
	}
	s := &sink{}
	pollers := NewBusPollers(cfg, s, func(config.BusConfig) (Reader, error) { return r, nil })
	require.Len(t, pollers, 1)
	p := pollers["b1"]
	require.Len(t, p.Items, 2)
	return p, s
}

func TestPoll_ForwardsOnlyChanges(t *testing.T) {
	r := &fakeReader{coils: map[uint16]bool{1: true}, holding: map[uint16]uint16{10: 43}}
	p, s := newTestPoller(t, r)

	p.Poll(context.Background())
	require.Len(t, s.recs, 2)
	assert.Equal(t, "Pump", s.recs[0].Name)
	assert.Equal(t, "ON", s.recs[0].State)
	assert.Equal(t, "Temp", s.recs[1].Name)
	assert.Equal(t, "21.5 °C", s.recs[1].State)
	assert.Equal(t, "temperature", s.recs[1].Topic)
	assert.Equal(t, byte(4), r.unit)

	p.Poll(context.Background())
	assert.Len(t, s.recs, 2)

	r.coils[1] = false
	r.holding[10] = 0xFFFE // -2
	p.Poll(context.Background())
	require.Len(t, s.recs, 4)
	assert.Equal(t, "OFF", s.recs[2].State)
	assert.Equal(t, "-1 °C", s.recs[3].State)
	assert.Equal(t, 1, r.connects)
}

func TestPoll_BacksOffAfterConnectFailure(t *testing.T) {
	r := &fakeReader{connectErr: errors.New("dial tcp: connection refused")}
	p, s := newTestPoller(t, r)

	p.Poll(context.Background())
	p.Poll(context.Background())
	assert.Equal(t, 1, r.connects, "second poll waits for the backoff")
	assert.Empty(t, s.recs)

	r.connectErr = nil
	p.retryAt = p.retryAt.Add(-p.backoff.Max)
	p.Poll(context.Background())
	assert.Equal(t, 2, r.connects)
	assert.Len(t, s.recs, 2)
}

func TestPoll_TransientReadErrorReconnects(t *testing.T) {
	r := &fakeReader{readErr: errors.New("read: i/o timeout")}
	p, s := newTestPoller(t, r)

	p.Poll(context.Background())
	assert.Empty(t, s.recs)
	assert.False(t, p.connOK)
	assert.Equal(t, 1, r.connects)

	r.readErr = nil
	p.retryAt = p.retryAt.Add(-p.backoff.Max)
	p.Poll(context.Background())
	assert.Equal(t, 2, r.connects)
	assert.Equal(t, 1, r.closed)
	assert.Len(t, s.recs, 2)
}

func TestWordStateRejectsShortResponse(t *testing.T) {
	_, err := wordState(config.ModbusItem{}, []byte{0x01}, nil)
	assert.Error(t, err)

	v, err := wordState(config.ModbusItem{}, []byte{0x00, 0x07}, nil)
	require.NoError(t, err)
	assert.Equal(t, "7", v)
}
