package bus

import (
	"errors"
	"fmt"
	"syscall"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
	"tinygo.org/x/drivers"

	"github.com/cjeanneret/SplitFlap/internal/debug"
)

// Txer is the single-transaction primitive shared by periph's i2c.Bus
// and TinyGo's drivers.I2C.
type Txer interface {
	Tx(addr uint16, w, r []byte) error
}

var (
	_ Txer = (i2c.Bus)(nil)
	_ Txer = (drivers.I2C)(nil)
)

// ErrPayloadTooLong may be returned by a Txer whose transmit buffer is smaller than the write.
var ErrPayloadTooLong = errors.New("i2c: payload too long")

// ErrDataNack may be returned by a Txer when the peripheral rejects a data byte.
var ErrDataNack = errors.New("i2c: data not acknowledged")

// TxBus adapts a Txer to Bus.
type TxBus struct {
	tx     Txer
	closer func() error
}

// NewTx wraps a raw I2C bus.
func NewTx(tx Txer) *TxBus {
	return &TxBus{tx: tx}
}

// FromTinyGo wraps a TinyGo I2C bus (machine.I2C on microcontroller builds).
func FromTinyGo(i drivers.I2C) *TxBus {
	return NewTx(i)
}

// OpenI2C opens a Linux I2C bus through periph.io.
func OpenI2C(name string) (*TxBus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", name, err)
	}
	debug.Info("I2C bus %s opened", b)
	return &TxBus{tx: b, closer: b.Close}, nil
}

func (t *TxBus) Write16(addr uint16, pattern uint16) ErrorCode {
	if debug.IsEnabled(debug.LevelTrace) {
		debug.Bus("write", addr, fmt.Sprintf("%016b", pattern))
	}
	return codeOf(t.tx.Tx(addr, lowHigh(pattern), nil))
}

func (t *TxBus) Read16(addr uint16) (uint16, bool) {
	r := make([]byte, 2)
	if err := t.tx.Tx(addr, nil, r); err != nil {
		debug.Bus("read failed", addr, err)
		return 0, false
	}
	word := uint16(r[0]) | uint16(r[1])<<8
	if debug.IsEnabled(debug.LevelTrace) {
		debug.Bus("read", addr, fmt.Sprintf("%016b", word))
	}
	return word, true
}

func (t *TxBus) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer()
}

// codeOf maps a transaction error onto the transport error codes.
func codeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrPayloadTooLong):
		return PayloadTooLong
	case errors.Is(err, syscall.ENXIO):
		return AddressNack
	case errors.Is(err, ErrDataNack):
		return DataNack
	default:
		return Other
	}
}
