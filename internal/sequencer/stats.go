package sequencer

import (
	"math"
	"sync"
	"time"
)

// Stats summarises how well the sequencer held its base period.
//
// Lateness is how much longer a cycle's sleep took than the base period,
// clamped at zero. It captures wake-up latency and any time the sequencer
// itself lost to higher priority work.
type Stats struct {
	Cycles        uint64
	Interruptions uint64 // sleeps cut short by a signal
	Exhaustions   uint64 // cycles that hit the retry bound
	LoopedCycles  uint64 // cycles that needed more than one sleep call

	LatenessMean   time.Duration
	LatenessStdDev time.Duration
	LatenessMax    time.Duration
}

// latencyAccumulator keeps running lateness moments without storing every
// sample; the sequencer can run for days.
type latencyAccumulator struct {
	mu sync.Mutex
	st Stats

	sum        float64 // seconds
	sumSquares float64
}

func (a *latencyAccumulator) addCycle(lateness time.Duration, sleepCalls int) (maxLateness time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if lateness < 0 {
		lateness = 0
	}
	a.st.Cycles++
	if sleepCalls > 1 {
		a.st.LoopedCycles++
	}
	if lateness > a.st.LatenessMax {
		a.st.LatenessMax = lateness
	}

	s := lateness.Seconds()
	a.sum += s
	a.sumSquares += s * s
	return a.st.LatenessMax
}

func (a *latencyAccumulator) addInterruption() {
	a.mu.Lock()
	a.st.Interruptions++
	a.mu.Unlock()
}

func (a *latencyAccumulator) addExhaustion() {
	a.mu.Lock()
	a.st.Exhaustions++
	a.mu.Unlock()
}

func (a *latencyAccumulator) snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.st
	if st.Cycles == 0 {
		return st
	}

	n := float64(st.Cycles)
	mean := a.sum / n
	variance := a.sumSquares/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	st.LatenessMean = time.Duration(mean * float64(time.Second))
	st.LatenessStdDev = time.Duration(math.Sqrt(variance) * float64(time.Second))
	return st
}
