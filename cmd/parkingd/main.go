// Command parkingd runs the parking-assist schedule: a 120 Hz sequencer
// releasing the rear camera, motor and ultrasonic services under
// SCHED_FIFO on one core.
package main

import (
	"log/slog"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("parkingd failed", "error", err)
		os.Exit(1)
	}
}
