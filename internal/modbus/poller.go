package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"github.com/fisaks/mamlink/internal/config"
	"github.com/fisaks/mamlink/internal/logging"
	"github.com/fisaks/mamlink/internal/mam"
)

// ItemSink receives item state changes read from the buses.
type ItemSink interface {
	OnStateChange(rec mam.DataRecord) error
}

// BusPoller reads the items of one bus and forwards changed values.
type BusPoller struct {
	Bus        config.BusConfig
	Items      []config.ModbusItem
	PollPeriod time.Duration
	Sink       ItemSink

	dial    Dialer
	reader  Reader
	connOK  bool
	backoff *backoff.Backoff
	retryAt time.Time
	last    map[string]string // key = item name
	pollCh  chan ZeroSignal
}

func NewBusPollers(cfg *config.ModbusConfig, sink ItemSink, dial Dialer) map[string]*BusPoller {
	if dial == nil {
		dial = DialBus
	}
	res := make(map[string]*BusPoller, len(cfg.Buses))
	for _, bus := range cfg.Buses {
		var items []config.ModbusItem
		for _, it := range cfg.Items {
			if it.Bus == bus.BusId {
				items = append(items, it)
			}
		}
		res[bus.BusId] = &BusPoller{
			Bus:        bus,
			Items:      items,
			PollPeriod: cfg.PollPeriod(),
			Sink:       sink,
			dial:       dial,
			backoff:    &backoff.Backoff{Min: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 2},
			last:       make(map[string]string),
		}
	}
	return res
}

// Run polls until ctx is done. Ticks that arrive while a poll is running
// are merged into one.
func (p *BusPoller) Run(ctx context.Context) {
	if p.pollCh == nil {
		p.pollCh = make(chan ZeroSignal, 1)
	}
	go func() {
		t := time.NewTicker(p.PollPeriod)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				select {
				case p.pollCh <- Zero: // send a signal; drop if one is queued
				default:
				}
			}
		}
	}()
	logging.Info("BusPoller worker", "bus", p.Bus.BusId, "type", p.Bus.Type, "poll", p.PollPeriod.Milliseconds(), "items", len(p.Items))
	for {
		select {
		case <-ctx.Done():
			logging.Info("BusPoller ctx done", "bus", p.Bus.BusId)
			p.closeReader()
			return
		case <-p.pollCh:
			p.Poll(ctx)
		}
	}
}

// Poll reads every item once.
func (p *BusPoller) Poll(ctx context.Context) {
	if err := p.ensureConnected(time.Now()); err != nil {
		logging.Debug("Bus not connected", "bus", p.Bus.BusId, "error", err)
		return
	}
	for _, it := range p.Items {
		if ctx.Err() != nil {
			return
		}
		value, err := p.read(it)
		if err != nil {
			logging.Warn("Modbus read failed", "bus", p.Bus.BusId, "item", it.Item, "error", err)
			if isTransient(err) {
				p.bumpBackoff(time.Now())
				return
			}
			continue
		}
		if p.last[it.Item] == value {
			continue
		}
		p.last[it.Item] = value
		rec := mam.DataRecord{Name: it.Item, Topic: it.Topic, State: value, Time: time.Now().UTC()}
		if err := p.Sink.OnStateChange(rec); err != nil {
			logging.Debug("Item change ignored", "item", it.Item, "error", err)
		}
	}
}

func (p *BusPoller) ensureConnected(now time.Time) error {
	if p.connOK {
		return nil
	}
	if now.Before(p.retryAt) {
		return fmt.Errorf("waiting %v before reconnect", p.retryAt.Sub(now).Round(time.Millisecond))
	}
	p.closeReader()
	r, err := p.dial(p.Bus)
	if err == nil {
		err = r.Connect()
	}
	if err != nil {
		p.bumpBackoff(now)
		return err
	}
	p.reader = r
	p.connOK = true
	p.backoff.Reset()
	return nil
}

func (p *BusPoller) bumpBackoff(now time.Time) {
	p.connOK = false
	p.retryAt = now.Add(p.backoff.Duration())
}

func (p *BusPoller) closeReader() {
	if p.reader != nil {
		_ = p.reader.Close()
		p.reader = nil
	}
	p.connOK = false
}

func (p *BusPoller) read(it config.ModbusItem) (string, error) {
	p.reader.SetUnit(it.UnitId)
	switch strings.ToLower(it.Register) {
	case "coil":
		data, err := p.reader.ReadCoils(it.Address, 1)
		return bitState(data, err)
	case "discrete":
		data, err := p.reader.ReadDiscreteInputs(it.Address, 1)
		return bitState(data, err)
	case "holding":
		data, err := p.reader.ReadHoldingRegisters(it.Address, 1)
		return wordState(it, data, err)
	case "input":
		data, err := p.reader.ReadInputRegisters(it.Address, 1)
		return wordState(it, data, err)
	}
	return "", fmt.Errorf("unknown register %q", it.Register)
}

func bitState(data []byte, err error) (string, error) {
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty bit response")
	}
	// qty=1 returns 1 byte; bit0 is the value
	if data[0]&0x01 != 0 {
		return "ON", nil
	}
	return "OFF", nil
}

// wordState reads the register as a signed 16-bit value times the item scale.
func wordState(it config.ModbusItem, data []byte, err error) (string, error) {
	if err != nil {
		return "", err
	}
	if len(data) < 2 {
		return "", fmt.Errorf("short register response: %d bytes", len(data))
	}
	scale := it.Scale
	if scale == 0 {
		scale = 1
	}
	v := float64(int16(binary.BigEndian.Uint16(data))) * scale
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if it.Unit != "" {
		s += " " + it.Unit
	}
	return s, nil
}
