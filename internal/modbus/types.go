// Package modbus implements the runtime data plane: device configuration,
// per-gateway transports with circuit breaking, and the client manager that
// multiplexes logical devices onto shared physical connections.
package modbus

import (
	"fmt"
	"time"

	"modbus-middleware/internal/apperr"
)

// RegisterType identifies one of the four Modbus register spaces.
type RegisterType string

const (
	RegisterHolding  RegisterType = "holding"
	RegisterInput    RegisterType = "input"
	RegisterCoil     RegisterType = "coil"
	RegisterDiscrete RegisterType = "discrete"
)

// ParseRegisterType validates a register type string.
func ParseRegisterType(s string) (RegisterType, error) {
	switch RegisterType(s) {
	case RegisterHolding, RegisterInput, RegisterCoil, RegisterDiscrete:
		return RegisterType(s), nil
	}
	return "", apperr.Newf(apperr.KindValidation,
		"invalid register_type %q, must be one of holding, input, coil, discrete", s)
}

// IsBit reports whether the space holds single bits rather than 16-bit words.
func (r RegisterType) IsBit() bool {
	return r == RegisterCoil || r == RegisterDiscrete
}

// Writable reports whether the space accepts writes.
func (r RegisterType) Writable() bool {
	return r == RegisterHolding || r == RegisterCoil
}

// MaxCount returns the largest quantity readable in one request: 125 words
// or 2000 bits, per the Modbus application protocol.
func (r RegisterType) MaxCount() int {
	if r.IsBit() {
		return 2000
	}
	return 125
}

// Framer selects the framing variant used on the TCP socket.
type Framer string

const (
	// FramerRTU is RTU framing carried over TCP, the usual mode for
	// serial-to-Ethernet gateways.
	FramerRTU Framer = "RTU"
	// FramerSocket is standard Modbus TCP.
	FramerSocket Framer = "SOCKET"
	// FramerASCII is ASCII framing carried over TCP.
	FramerASCII Framer = "ASCII"
)

// ParseFramer validates a framer string.
func ParseFramer(s string) (Framer, error) {
	switch Framer(s) {
	case FramerRTU, FramerSocket, FramerASCII:
		return Framer(s), nil
	}
	return "", apperr.Newf(apperr.KindValidation,
		"invalid framer %q, must be one of RTU, SOCKET, ASCII", s)
}

// GatewayKey identifies one physical transport. Devices sharing host and
// port share the gateway and therefore serialize their requests.
type GatewayKey struct {
	Host string
	Port int
}

func (k GatewayKey) String() string {
	return fmt.Sprintf("%s:%d", k.Host, k.Port)
}

// DeviceConfig carries identity and transport parameters for one unit.
type DeviceConfig struct {
	DeviceID   string
	Host       string
	Port       int
	SlaveID    int
	Timeout    time.Duration
	Framer     Framer
	MaxRetries int
	RetryDelay time.Duration
}

// GatewayKey returns the key of the physical connection the device uses.
func (c DeviceConfig) GatewayKey() GatewayKey {
	return GatewayKey{Host: c.Host, Port: c.Port}
}

// Validate checks the configured ranges.
func (c DeviceConfig) Validate() error {
	if c.DeviceID == "" || len(c.DeviceID) > 50 {
		return apperr.Newf(apperr.KindValidation, "device_id must be 1-50 characters, got %q", c.DeviceID)
	}
	if c.Host == "" {
		return apperr.New(apperr.KindValidation, "host must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return apperr.Newf(apperr.KindValidation, "port %d out of range 1-65535", c.Port)
	}
	if c.SlaveID < 1 || c.SlaveID > 247 {
		return apperr.Newf(apperr.KindValidation, "slave_id %d out of range 1-247", c.SlaveID)
	}
	if c.Timeout < time.Second || c.Timeout > 300*time.Second {
		return apperr.Newf(apperr.KindValidation, "timeout %s out of range 1-300s", c.Timeout)
	}
	if _, err := ParseFramer(string(c.Framer)); err != nil {
		return err
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return apperr.Newf(apperr.KindValidation, "max_retries %d out of range 0-10", c.MaxRetries)
	}
	if c.RetryDelay < 0 {
		return apperr.New(apperr.KindValidation, "retry_delay must not be negative")
	}
	return nil
}

// ValidateRead checks address and count for one read request.
func ValidateRead(rt RegisterType, address, count int) error {
	if address < 0 || address > 0xFFFF {
		return apperr.Newf(apperr.KindValidation, "address %d out of range 0-65535", address)
	}
	if count < 1 || count > rt.MaxCount() {
		return apperr.Newf(apperr.KindValidation,
			"count %d out of range 1-%d for register_type %s", count, rt.MaxCount(), rt)
	}
	if address+count > 0x10000 {
		return apperr.Newf(apperr.KindValidation,
			"address %d + count %d exceeds the address space", address, count)
	}
	return nil
}

// ValidateWrite checks address and value for one write request.
func ValidateWrite(rt RegisterType, address, value int) error {
	if !rt.Writable() {
		return apperr.Newf(apperr.KindValidation,
			"register_type %s is not writable, use holding or coil", rt)
	}
	if address < 0 || address > 0xFFFF {
		return apperr.Newf(apperr.KindValidation, "address %d out of range 0-65535", address)
	}
	if rt == RegisterCoil {
		if value != 0 && value != 1 {
			return apperr.Newf(apperr.KindValidation, "coil value must be 0 or 1, got %d", value)
		}
		return nil
	}
	if value < 0 || value > 0xFFFF {
		return apperr.Newf(apperr.KindValidation, "register value %d out of range 0-65535", value)
	}
	return nil
}
