package bus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/cjeanneret/SplitFlap/internal/debug"
)

// ModbusBus reaches the drum boards through a Modbus remote I/O gateway.
// The drum address is used as the unit id; the output port is a holding
// register and the input port an input register.
// It serializes requests because it mutates SlaveId per exchange.
type ModbusBus struct {
	mu       sync.Mutex
	handler  modbusHandler
	setSlave func(id byte)
	client   modbus.Client
	outReg   uint16
	inReg    uint16
}

type modbusHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

// OpenModbus connects to a Modbus TCP endpoint or RTU serial line.
func OpenModbus(cfg Config) (*ModbusBus, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("modbus bus: endpoint required")
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}

	m := &ModbusBus{outReg: cfg.OutputRegister, inReg: cfg.InputRegister}
	switch cfg.Type {
	case TypeModbusTCP:
		h := modbus.NewTCPClientHandler(cfg.Endpoint)
		h.Timeout = timeout
		m.handler = h
		m.setSlave = func(id byte) { h.SlaveId = id }
	case TypeModbusRTU:
		h := modbus.NewRTUClientHandler(cfg.Endpoint)
		h.Timeout = timeout
		h.BaudRate = cfg.BaudRate
		if h.BaudRate <= 0 {
			h.BaudRate = 19200
		}
		h.DataBits = 8
		h.Parity = "N"
		h.StopBits = 1
		m.handler = h
		m.setSlave = func(id byte) { h.SlaveId = id }
	default:
		return nil, fmt.Errorf("modbus bus: unsupported type %q", cfg.Type)
	}

	if err := m.handler.Connect(); err != nil {
		return nil, fmt.Errorf("modbus connect %s: %w", cfg.Endpoint, err)
	}
	m.client = modbus.NewClient(m.handler)
	debug.Info("Modbus %s bus connected to %s", cfg.Type, cfg.Endpoint)
	return m, nil
}

// newModbusWithClient is used by tests to inject a fake client.
func newModbusWithClient(c modbus.Client, outReg, inReg uint16) *ModbusBus {
	return &ModbusBus{client: c, setSlave: func(byte) {}, outReg: outReg, inReg: inReg}
}

func (m *ModbusBus) Write16(addr uint16, pattern uint16) ErrorCode {
	if addr > 0xFF {
		return AddressNack
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setSlave(byte(addr))
	if debug.IsEnabled(debug.LevelTrace) {
		debug.Bus("modbus write", addr, fmt.Sprintf("%016b", pattern))
	}
	_, err := m.client.WriteSingleRegister(m.outReg, pattern)
	return modbusCode(err)
}

func (m *ModbusBus) Read16(addr uint16) (uint16, bool) {
	if addr > 0xFF {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setSlave(byte(addr))
	res, err := m.client.ReadInputRegisters(m.inReg, 1)
	if err != nil || len(res) != 2 {
		debug.Bus("modbus read failed", addr, err)
		return 0, false
	}
	// Modbus registers are big-endian on the wire.
	return binary.BigEndian.Uint16(res), true
}

func (m *ModbusBus) Close() error {
	if m.handler == nil {
		return nil
	}
	return m.handler.Close()
}

func modbusCode(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		switch mbErr.ExceptionCode {
		case modbus.ExceptionCodeGatewayTargetDeviceFailedToRespond, modbus.ExceptionCodeGatewayPathUnavailable:
			return AddressNack
		case modbus.ExceptionCodeIllegalDataAddress, modbus.ExceptionCodeIllegalDataValue:
			return DataNack
		}
	}
	return Other
}
