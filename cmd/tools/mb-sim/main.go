package main

// cSpell:ignore mbserver Modbus
import (
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tbrandon/mbserver"

	"github.com/fisaks/mamlink/internal/config"
)

// Serves the Modbus items of the gateway config that sit on a tcp bus and
// drifts their values so the gateway sees changes.
func main() {
	addr := os.Getenv("MB_LISTEN_ADDR")
	if addr == "" {
		addr = ":1502"
	}
	var items []config.ModbusItem
	if path := os.Getenv("SIM_CONFIG_PATH"); path != "" {
		cfg, err := config.LoadGatewayConfig(path)
		if err != nil {
			log.Fatalf("gateway config: %v", err)
		}
		if cfg.Modbus != nil {
			tcp := map[string]bool{}
			for _, b := range cfg.Modbus.Buses {
				tcp[b.BusId] = strings.EqualFold(b.Type, "tcp")
			}
			for _, it := range cfg.Modbus.Items {
				if tcp[it.Bus] {
					items = append(items, it)
				}
			}
		}
	}

	srv := mbserver.NewServer()
	// Seed a coil and a register when no config is given
	if len(items) == 0 {
		items = []config.ModbusItem{
			{Item: "Coil0", Register: "coil", Address: 0},
			{Item: "Holding0", Register: "holding", Address: 0},
		}
	}
	for _, it := range items {
		drift(srv, it)
	}

	if err := srv.ListenTCP(addr); err != nil {
		log.Fatalf("ListenTCP: %v", err)
	}
	defer srv.Close()
	log.Printf("Modbus TCP slave listening on %s, %d items", addr, len(items))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-sigCh:
			return
		case <-t.C:
			it := items[rand.Intn(len(items))]
			drift(srv, it)
			log.Printf("changed %s (%s %d)", it.Item, it.Register, it.Address)
		}
	}
}

// drift flips bits and moves registers by a small random step.
func drift(srv *mbserver.Server, it config.ModbusItem) {
	a := int(it.Address)
	switch strings.ToLower(it.Register) {
	case "coil":
		srv.Coils[a] ^= 1
	case "discrete":
		srv.DiscreteInputs[a] ^= 1
	case "holding":
		srv.HoldingRegisters[a] = step(srv.HoldingRegisters[a])
	case "input":
		srv.InputRegisters[a] = step(srv.InputRegisters[a])
	}
}

func step(v uint16) uint16 {
	if v == 0 {
		return 200
	}
	return uint16(int16(v) + int16(rand.Intn(11)-5))
}
