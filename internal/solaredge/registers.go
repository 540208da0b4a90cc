package solaredge

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/Lalufu/solaredge-mqtt/events"
)

const (
	// first register of the SunSpec common block
	baseAddress uint16 = 40000
	// common block plus the inverter model, up to I_Status_Vendor
	registerCount uint16 = 109

	// "SunS"
	sunSpecMarker uint32 = 0x53756e53
)

type kind int

const (
	uint16Kind kind = iota
	int16Kind
	uint32Kind
	stringKind
)

type register struct {
	name    string
	address uint16
	kind    kind
	// size in registers, only used for strings
	size uint16
}

// SolarEdge inverter register map, SunSpec common block and models
// 101/102/103.
var registers = []register{
	{"c_id", 40000, uint32Kind, 0},
	{"c_did", 40002, uint16Kind, 0},
	{"c_length", 40003, uint16Kind, 0},
	{"c_manufacturer", 40004, stringKind, 16},
	{"c_model", 40020, stringKind, 16},
	{"c_version", 40044, stringKind, 8},
	{"c_serialnumber", 40052, stringKind, 16},
	{"c_deviceaddress", 40068, uint16Kind, 0},
	{"c_sunspec_did", 40069, uint16Kind, 0},
	{"c_sunspec_length", 40070, uint16Kind, 0},

	{"current", 40071, uint16Kind, 0},
	{"p1_current", 40072, uint16Kind, 0},
	{"p2_current", 40073, uint16Kind, 0},
	{"p3_current", 40074, uint16Kind, 0},
	{"current_scale", 40075, int16Kind, 0},

	{"p1_voltage", 40076, uint16Kind, 0},
	{"p2_voltage", 40077, uint16Kind, 0},
	{"p3_voltage", 40078, uint16Kind, 0},
	{"p1n_voltage", 40079, uint16Kind, 0},
	{"p2n_voltage", 40080, uint16Kind, 0},
	{"p3n_voltage", 40081, uint16Kind, 0},
	{"voltage_scale", 40082, int16Kind, 0},

	{"power_ac", 40083, int16Kind, 0},
	{"power_ac_scale", 40084, int16Kind, 0},
	{"frequency", 40085, uint16Kind, 0},
	{"frequency_scale", 40086, int16Kind, 0},
	{"power_apparent", 40087, int16Kind, 0},
	{"power_apparent_scale", 40088, int16Kind, 0},
	{"power_reactive", 40089, int16Kind, 0},
	{"power_reactive_scale", 40090, int16Kind, 0},
	{"power_factor", 40091, int16Kind, 0},
	{"power_factor_scale", 40092, int16Kind, 0},
	{"energy_total", 40093, uint32Kind, 0},
	{"energy_total_scale", 40095, int16Kind, 0},

	{"current_dc", 40096, uint16Kind, 0},
	{"current_dc_scale", 40097, int16Kind, 0},
	{"voltage_dc", 40098, uint16Kind, 0},
	{"voltage_dc_scale", 40099, int16Kind, 0},
	{"power_dc", 40100, int16Kind, 0},
	{"power_dc_scale", 40101, int16Kind, 0},

	{"temperature", 40103, int16Kind, 0},
	{"temperature_scale", 40106, int16Kind, 0},

	{"status", 40107, uint16Kind, 0},
	{"vendor_status", 40108, uint16Kind, 0},
}

// scale factor field -> fields it applies to
var scaleFactors = map[string][]string{
	"current_scale":        {"current", "p1_current", "p2_current", "p3_current"},
	"voltage_scale":        {"p1_voltage", "p2_voltage", "p3_voltage", "p1n_voltage", "p2n_voltage", "p3n_voltage"},
	"power_ac_scale":       {"power_ac"},
	"frequency_scale":      {"frequency"},
	"power_apparent_scale": {"power_apparent"},
	"power_reactive_scale": {"power_reactive"},
	"power_factor_scale":   {"power_factor"},
	"energy_total_scale":   {"energy_total"},
	"current_dc_scale":     {"current_dc"},
	"voltage_dc_scale":     {"voltage_dc"},
	"power_dc_scale":       {"power_dc"},
	"temperature_scale":    {"temperature"},
}

// Decode turns the raw register block starting at 40000 into a
// snapshot with all scale factors applied.
func Decode(raw []byte) (events.Snapshot, error) {
	if len(raw) < int(registerCount)*2 {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrShortResponse, len(raw), registerCount*2)
	}

	snapshot := make(events.Snapshot, len(registers))
	for _, r := range registers {
		off := int(r.address-baseAddress) * 2
		switch r.kind {
		case uint16Kind:
			snapshot[r.name] = int64(binary.BigEndian.Uint16(raw[off:]))
		case int16Kind:
			snapshot[r.name] = int64(int16(binary.BigEndian.Uint16(raw[off:])))
		case uint32Kind:
			snapshot[r.name] = int64(binary.BigEndian.Uint32(raw[off:]))
		case stringKind:
			s := string(raw[off : off+int(r.size)*2])
			snapshot[r.name] = strings.TrimSpace(strings.TrimRight(s, "\x00"))
		}
	}

	if id := snapshot["c_id"].(int64); uint32(id) != sunSpecMarker {
		return nil, fmt.Errorf("%w: 0x%08x", ErrNotSunSpec, id)
	}

	for sf, fields := range scaleFactors {
		exp := snapshot[sf].(int64)
		for _, field := range fields {
			snapshot[field] = float64(snapshot[field].(int64)) * math.Pow10(int(exp))
		}
		delete(snapshot, sf)
	}

	return snapshot, nil
}
