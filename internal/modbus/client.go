package modbus

import (
	"fmt"
	"strings"

	"github.com/goburrow/modbus"

	"github.com/fisaks/mamlink/internal/config"
	"github.com/fisaks/mamlink/internal/logging"
)

// Reader is the part of a Modbus connection the poller needs.
type Reader interface {
	Connect() error
	Close() error
	SetUnit(id byte)
	ReadCoils(addr, qty uint16) ([]byte, error)
	ReadDiscreteInputs(addr, qty uint16) ([]byte, error)
	ReadHoldingRegisters(addr, qty uint16) ([]byte, error)
	ReadInputRegisters(addr, qty uint16) ([]byte, error)
}

// Dialer builds the Reader of a bus. It must not connect.
type Dialer func(bus config.BusConfig) (Reader, error)

type handler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

// busClient serves a Reader over an RTU or TCP handler.
type busClient struct {
	modbus.Client
	handler handler
	rtu     *modbus.RTUClientHandler
	tcp     *modbus.TCPClientHandler
}

func DialBus(bus config.BusConfig) (Reader, error) {
	c := &busClient{}
	switch strings.ToLower(bus.Type) {
	case "rtu":
		h := modbus.NewRTUClientHandler(bus.Port)
		h.BaudRate = bus.Baud
		h.DataBits = bus.DataBits
		h.Parity = strings.ToUpper(bus.Parity)
		h.StopBits = bus.StopBits
		h.Timeout = bus.Timeout()
		if bus.Debug {
			h.Logger = logging.WrapSlog("bus", bus.BusId)
		}
		c.rtu, c.handler = h, h
	case "tcp":
		h := modbus.NewTCPClientHandler(bus.TCPAddr)
		h.Timeout = bus.Timeout()
		if bus.Debug {
			h.Logger = logging.WrapSlog("bus", bus.BusId)
		}
		c.tcp, c.handler = h, h
	default:
		return nil, fmt.Errorf("bus %s: unknown type %q", bus.BusId, bus.Type)
	}
	c.Client = modbus.NewClient(c.handler)
	return c, nil
}

func (c *busClient) Connect() error { return c.handler.Connect() }
func (c *busClient) Close() error   { return c.handler.Close() }

func (c *busClient) SetUnit(id byte) {
	if c.rtu != nil {
		c.rtu.SlaveId = id
	}
	if c.tcp != nil {
		c.tcp.SlaveId = id
	}
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "connection") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "reset") ||
		strings.Contains(s, "closed") ||
		strings.Contains(s, "i/o") ||
		strings.Contains(s, "timeout") {
		return true
	}
	return false
}
