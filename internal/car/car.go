package car

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/LudwikBielczynski/buildme-car/internal/metrics"
)

// Defaults matching the rover's tuning.
const (
	DefaultSpeed float64 = 98
	DefaultPulse         = 0 // motors run until the next command
)

// Directions holds the per-wheel direction multipliers for one maneuver on a
// mecanum drivetrain. Values are in [-1, 1]; magnitude scales the wheel's
// share of the commanded speed.
type Directions struct {
	LeftFront  float64
	LeftRear   float64
	RightFront float64
	RightRear  float64
}

// Mecanum wheel behavior per maneuver, see
// https://docs.revrobotics.com/duo-build/mecanum-drivetrain-kit-mecanum-drivetrain/mecanum-wheel-setup-and-behavior
var maneuvers = map[string]Directions{
	"forward":       {LeftFront: 1, LeftRear: 1, RightFront: 1, RightRear: 1},
	"reverse":       {LeftFront: -1, LeftRear: -1, RightFront: -1, RightRear: -1},
	"left":          {LeftFront: -1, LeftRear: 1, RightFront: 1, RightRear: -1},
	"right":         {LeftFront: 0.8, LeftRear: -1, RightFront: -0.8, RightRear: 1},
	"forward-left":  {LeftFront: -1, LeftRear: -0.5, RightFront: 1, RightRear: 0.5},
	"forward-right": {LeftFront: 1, LeftRear: 0, RightFront: -1, RightRear: 0},
	"reverse-left":  {LeftFront: -0.5, LeftRear: -1, RightFront: 0.5, RightRear: 1},
	"reverse-right": {LeftFront: 0.5, LeftRear: 1, RightFront: -0.5, RightRear: -1},
}

// Config tunes the car.
type Config struct {
	DefaultSpeed float64       // commanded speed when a maneuver gives none
	Pulse        time.Duration // when >0, motors stop after this long
}

// Car maps maneuver names onto the four drive motors.
type Car struct {
	driver Driver
	logger *zap.Logger
	speed  float64
	pulse  time.Duration

	// Wheels on the left side are mounted mirrored, so their commanded
	// direction is inverted relative to the right side.
	correction Directions
}

// New creates a Car on top of the given motor driver.
func New(driver Driver, logger *zap.Logger, cfg Config) *Car {
	speed := cfg.DefaultSpeed
	if speed == 0 {
		speed = DefaultSpeed
	}
	return &Car{
		driver: driver,
		logger: logger,
		speed:  speed,
		pulse:  cfg.Pulse,
		correction: Directions{
			LeftFront:  -1,
			LeftRear:   -1,
			RightFront: 1,
			RightRear:  1,
		},
	}
}

// Commands lists the maneuver names Do accepts, "stop" included.
func Commands() []string {
	names := make([]string, 0, len(maneuvers)+1)
	for name := range maneuvers {
		names = append(names, name)
	}
	return append(names, "stop")
}

// IsCommand reports whether name is a maneuver Do accepts.
func IsCommand(name string) bool {
	if name == "stop" {
		return true
	}
	_, ok := maneuvers[name]
	return ok
}

// Do executes a maneuver at the default speed. With a pulse configured, the
// motors stop after the pulse elapses; otherwise they run until the next
// command.
func (c *Car) Do(command string) error {
	return c.DoSpeed(command, c.speed)
}

// DoSpeed executes a maneuver at the given speed (0-100).
func (c *Car) DoSpeed(command string, speed float64) error {
	if command == "stop" {
		return c.Stop()
	}
	d, ok := maneuvers[command]
	if !ok {
		return fmt.Errorf("unknown drive command %q", command)
	}
	if speed < 0 || speed > 100 {
		return fmt.Errorf("speed %v out of range 0-100", speed)
	}

	if err := c.set(MotorLeftFront, c.correction.LeftFront*d.LeftFront*speed); err != nil {
		return err
	}
	if err := c.set(MotorLeftRear, c.correction.LeftRear*d.LeftRear*speed); err != nil {
		return err
	}
	if err := c.set(MotorRightFront, c.correction.RightFront*d.RightFront*speed); err != nil {
		return err
	}
	if err := c.set(MotorRightRear, c.correction.RightRear*d.RightRear*speed); err != nil {
		return err
	}

	metrics.DriveCommandsTotal.WithLabelValues(command).Inc()
	c.logger.Info("drive", zap.String("command", command), zap.Float64("speed", speed))

	if c.pulse > 0 {
		time.Sleep(c.pulse)
		return c.Stop()
	}
	return nil
}

// Stop halts all motors.
func (c *Car) Stop() error {
	metrics.DriveCommandsTotal.WithLabelValues("stop").Inc()
	if err := c.driver.Stop(); err != nil {
		return fmt.Errorf("stop motors: %w", err)
	}
	return nil
}

func (c *Car) set(motor Motor, speed float64) error {
	if err := c.driver.SetSpeed(motor, speed); err != nil {
		return fmt.Errorf("set %s speed: %w", motor, err)
	}
	return nil
}
