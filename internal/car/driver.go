package car

import (
	"go.uber.org/zap"
)

// Motor identifies one of the four drive motors by its Build HAT port.
type Motor string

// Port assignment depends on where the motors are plugged in.
const (
	MotorRightFront Motor = "A"
	MotorLeftFront  Motor = "B"
	MotorLeftRear   Motor = "C"
	MotorRightRear  Motor = "D"
)

func (m Motor) String() string { return "motor " + string(m) }

// Driver drives the physical motors. Speed is in [-100, 100]; the sign is
// the rotation direction.
type Driver interface {
	SetSpeed(motor Motor, speed float64) error
	Stop() error
	Close() error
}

// EmulatedDriver logs motor commands instead of driving hardware. It is
// selected automatically when the Build HAT is not reachable, so the web UI
// stays usable on a bench machine.
type EmulatedDriver struct {
	logger *zap.Logger
}

// NewEmulatedDriver creates a driver that only logs.
func NewEmulatedDriver(logger *zap.Logger) *EmulatedDriver {
	return &EmulatedDriver{logger: logger}
}

func (d *EmulatedDriver) SetSpeed(motor Motor, speed float64) error {
	d.logger.Info("emulated motor command", zap.String("motor", string(motor)), zap.Float64("speed", speed))
	return nil
}

func (d *EmulatedDriver) Stop() error {
	d.logger.Info("emulated motor command", zap.String("motor", "all"), zap.String("action", "stop"))
	return nil
}

func (d *EmulatedDriver) Close() error { return nil }
