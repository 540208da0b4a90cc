// Package solaredge reads SolarEdge inverters over Modbus TCP.
package solaredge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Lalufu/solaredge-mqtt/events"
	"github.com/goburrow/modbus"
	"github.com/rs/zerolog/log"
)

// SerialField holds the inverter serial number in every snapshot.
const SerialField = "c_serialnumber"

var (
	ErrShortResponse = errors.New("short modbus response")
	ErrNotSunSpec    = errors.New("device is not a SunSpec device")
)

type Config struct {
	Host    string
	Port    int
	UnitID  uint8
	Timeout time.Duration
}

// RegisterReader is the subset of modbus.Client used here.
type RegisterReader interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
}

// Inverter reads one snapshot per call to Read. Calls are serialized.
type Inverter struct {
	address string
	mu      sync.Mutex
	client  RegisterReader
	conn    io.Closer
}

func NewInverter(cfg Config) *Inverter {
	address := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	handler := modbus.NewTCPClientHandler(address)
	handler.Timeout = cfg.Timeout
	handler.SlaveId = cfg.UnitID
	return &Inverter{
		address: address,
		client:  modbus.NewClient(handler),
		conn:    handler,
	}
}

// Read queries the inverter. If ctx ends first the request is left to
// finish in the background and its result discarded.
func (i *Inverter) Read(ctx context.Context) (events.Snapshot, error) {
	type result struct {
		raw []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := i.readRegisters()
		done <- result{raw, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("reading from %s: %w", i.address, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("reading from %s: %w", i.address, res.err)
		}
		if len(res.raw) == 0 {
			return nil, fmt.Errorf("reading from %s: no data from inverter", i.address)
		}
		return Decode(res.raw)
	}
}

func (i *Inverter) readRegisters() ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	raw, err := i.client.ReadHoldingRegisters(baseAddress, registerCount)
	if err != nil {
		// start from a fresh connection on the next tick
		if cerr := i.conn.Close(); cerr != nil {
			log.Debug().Msgf("Closing modbus connection to %s: %s", i.address, cerr)
		}
		return nil, err
	}
	return raw, nil
}

// Close releases the Modbus connection.
func (i *Inverter) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.conn.Close()
}
