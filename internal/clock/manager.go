// Package clock provides the PID controller shared by the disciplining
// engine, narrowed from a larger clock-synchronization manager down to
// just this reusable piece — see DESIGN.md for what else this package
// used to carry.
package clock

import (
	"time"
)

// PIDController implements a PID controller for clock discipline
type PIDController struct {
	Kp, Ki, Kd    float64 // PID gains
	integral      float64 // Integral term accumulator
	prevError     float64 // Previous error for derivative
	integralLimit float64 // Integral windup limit
	outputLimit   float64 // Output saturation limit
	lastTime      time.Time
}

// NewPIDController creates a new PID controller
func NewPIDController(kp, ki, kd, integralLimit, outputLimit float64) *PIDController {
	return &PIDController{
		Kp:            kp,
		Ki:            ki,
		Kd:            kd,
		integralLimit: integralLimit,
		outputLimit:   outputLimit,
		lastTime:      time.Now(),
	}
}

// Update calculates PID controller output
func (pid *PIDController) Update(error, dt float64) float64 {
	// Proportional term
	p := pid.Kp * error

	// Integral term with windup protection
	pid.integral += error * dt
	if pid.integral > pid.integralLimit {
		pid.integral = pid.integralLimit
	} else if pid.integral < -pid.integralLimit {
		pid.integral = -pid.integralLimit
	}
	i := pid.Ki * pid.integral

	// Derivative term
	d := 0.0
	if dt > 0 {
		d = pid.Kd * (error - pid.prevError) / dt
	}
	pid.prevError = error

	// Calculate output with saturation
	output := p + i + d
	if output > pid.outputLimit {
		output = pid.outputLimit
	} else if output < -pid.outputLimit {
		output = -pid.outputLimit
	}

	return output
}

// Reset resets the PID controller state
func (pid *PIDController) Reset() {
	pid.integral = 0
	pid.prevError = 0
	pid.lastTime = time.Now()
}
