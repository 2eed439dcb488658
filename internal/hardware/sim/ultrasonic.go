// Package sim stands in for the vehicle hardware on a development host:
// GPIO pins backed by periph's gpiotest, an ultrasonic sensor that echoes a
// settable distance, a synthetic camera and a display that only counts.
package sim

import (
	"math"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// echoLatency is the delay between the trigger falling edge and the echo
// rising edge.
const echoLatency = 50 * time.Microsecond

// Ultrasonic simulates an HC-SR04: after each trigger pulse the echo pin
// goes high for 58 µs per centimetre of the current distance.
type Ultrasonic struct {
	Trigger *TriggerPin
	Echo    *EchoPin

	milliCM  atomic.Int64 // distance * 1000, negative for no echo
	lastFall atomic.Int64 // unix nanoseconds of the last trigger falling edge
}

// NewUltrasonic returns a sensor reporting cm.
func NewUltrasonic(triggerName, echoName string, cm float64) *Ultrasonic {
	u := &Ultrasonic{}
	u.Trigger = &TriggerPin{Pin: gpiotest.Pin{N: triggerName}, u: u}
	u.Echo = &EchoPin{Pin: gpiotest.Pin{N: echoName}, u: u}
	u.SetDistance(cm)
	return u
}

// SetDistance sets the distance echoed by the next readings.
func (u *Ultrasonic) SetDistance(cm float64) {
	u.milliCM.Store(int64(math.Round(cm * 1000)))
}

// SetNoEcho makes the sensor stay silent, as with nothing in range.
func (u *Ultrasonic) SetNoEcho() {
	u.milliCM.Store(-1)
}

// Distance returns the simulated distance, or -1 with no echo.
func (u *Ultrasonic) Distance() float64 {
	v := u.milliCM.Load()
	if v < 0 {
		return -1
	}
	return float64(v) / 1000
}

func (u *Ultrasonic) echoLevel(now time.Time) gpio.Level {
	fall := u.lastFall.Load()
	mcm := u.milliCM.Load()
	if fall == 0 || mcm < 0 {
		return gpio.Low
	}

	start := time.Unix(0, fall).Add(echoLatency)
	width := time.Duration(mcm*58) * time.Nanosecond // 58 µs/cm = 58 ns per milli-cm
	if now.Before(start) || !now.Before(start.Add(width)) {
		return gpio.Low
	}
	return gpio.High
}

// TriggerPin records falling edges.
type TriggerPin struct {
	gpiotest.Pin
	u *Ultrasonic
}

func (p *TriggerPin) Out(l gpio.Level) error {
	prev := p.Pin.Read()
	if err := p.Pin.Out(l); err != nil {
		return err
	}
	if prev == gpio.High && l == gpio.Low {
		p.u.lastFall.Store(time.Now().UnixNano())
	}
	return nil
}

// EchoPin derives its level from the last trigger and the distance.
type EchoPin struct {
	gpiotest.Pin
	u *Ultrasonic
}

func (p *EchoPin) Read() gpio.Level {
	return p.u.echoLevel(time.Now())
}
