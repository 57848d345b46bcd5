package bus

import (
	"fmt"

	"github.com/cjeanneret/SplitFlap/internal/debug"
)

// ErrorCode is the outcome of a single bus exchange.
// Values match the Wire library return codes the drum boards were built against.
type ErrorCode uint8

const (
	Success ErrorCode = iota
	PayloadTooLong
	AddressNack
	DataNack
	Other
)

func (c ErrorCode) String() string {
	switch c {
	case Success:
		return "success"
	case PayloadTooLong:
		return "payload too long"
	case AddressNack:
		return "address not acknowledged"
	case DataNack:
		return "data not acknowledged"
	default:
		return fmt.Sprintf("other (%d)", uint8(c))
	}
}

// Bus is the transport a drum controller talks through.
// Each addressed peripheral exposes a 16-bit output port and a 16-bit input port.
type Bus interface {
	// Write16 writes a 16-bit port pattern to the peripheral at addr.
	Write16(addr uint16, pattern uint16) ErrorCode
	// Read16 reads the 16-bit input word. ok is false if the peripheral
	// did not return exactly two bytes.
	Read16(addr uint16) (word uint16, ok bool)
	Close() error
}

// Type selects a concrete transport.
type Type string

const (
	TypeMock      Type = "mock"
	TypeI2C       Type = "i2c"
	TypeModbusTCP Type = "modbus-tcp"
	TypeModbusRTU Type = "modbus-rtu"
)

// Config describes how to open a bus.
type Config struct {
	Type Type

	// I2C
	Device string // periph bus name, e.g. "/dev/i2c-1" or "1"; empty = first bus

	// Modbus
	Endpoint       string // host:port for TCP, serial device for RTU
	BaudRate       int
	OutputRegister uint16
	InputRegister  uint16

	TimeoutMs int
}

// Open returns a transport for cfg. Mock buses are built by the caller,
// since they need the simulated drum layout.
func Open(cfg Config) (Bus, error) {
	debug.Info("Opening %s bus", cfg.Type)
	switch cfg.Type {
	case TypeI2C:
		return OpenI2C(cfg.Device)
	case TypeModbusTCP, TypeModbusRTU:
		return OpenModbus(cfg)
	default:
		return nil, fmt.Errorf("unsupported bus type: %q", cfg.Type)
	}
}

// lowHigh splits a port pattern into the PCF8575 wire order.
func lowHigh(pattern uint16) []byte {
	return []byte{byte(pattern & 0xFF), byte(pattern >> 8)}
}
