package car

import (
	"fmt"
	"sync"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// Build HAT serial link settings.
const (
	buildHATBaud = 115200
)

var motorPorts = map[Motor]int{
	MotorRightFront: 0,
	MotorLeftFront:  1,
	MotorLeftRear:   2,
	MotorRightRear:  3,
}

// BuildHATDriver drives passive motors through the LEGO Build HAT serial
// console. Commands are line oriented: "port <n> ; pwm ; set <duty>".
type BuildHATDriver struct {
	mu     sync.Mutex
	port   serial.Port
	logger *zap.Logger
}

// OpenBuildHAT opens the Build HAT console on the given serial device
// (typically /dev/serial0) and switches the four motor ports to PWM mode.
func OpenBuildHAT(device string, logger *zap.Logger) (*BuildHATDriver, error) {
	port, err := serial.Open(device, &serial.Mode{BaudRate: buildHATBaud})
	if err != nil {
		return nil, fmt.Errorf("open build hat on %s: %w", device, err)
	}
	d := &BuildHATDriver{port: port, logger: logger}
	for _, n := range motorPorts {
		if err := d.send(fmt.Sprintf("port %d ; pwm", n)); err != nil {
			port.Close()
			return nil, err
		}
	}
	logger.Info("build hat initialized", zap.String("device", device))
	return d, nil
}

// SetSpeed sets one motor's duty cycle. The Build HAT takes a duty in
// [-1, 1]; speed is in [-100, 100].
func (d *BuildHATDriver) SetSpeed(motor Motor, speed float64) error {
	n, ok := motorPorts[motor]
	if !ok {
		return fmt.Errorf("no build hat port for %s", motor)
	}
	return d.send(fmt.Sprintf("port %d ; pwm ; set %.2f", n, speed/100))
}

// Stop sets all motor ports to zero duty.
func (d *BuildHATDriver) Stop() error {
	for _, n := range motorPorts {
		if err := d.send(fmt.Sprintf("port %d ; set 0", n)); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the motors and releases the serial port.
func (d *BuildHATDriver) Close() error {
	if err := d.Stop(); err != nil {
		d.logger.Warn("stop motors on close", zap.Error(err))
	}
	return d.port.Close()
}

func (d *BuildHATDriver) send(cmd string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.port.Write([]byte(cmd + "\r")); err != nil {
		return fmt.Errorf("build hat write %q: %w", cmd, err)
	}
	return nil
}
