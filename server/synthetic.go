package tessitura

import (
	"math"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	syntheticPeriod  = 100 * time.Millisecond
	syntheticOutlier = 0.02
)

// SyntheticTransport generates text-array frames at ~10 Hz for demos
// and offline testing. Channel i at time t reads 50 + 40·sin(t/(10 + i%5) + i),
// occasionally replaced by an outlier drawn uniformly from [-10, 120].
type SyntheticTransport struct {
	mu       sync.Mutex
	channels int
	timeout  time.Duration
	period   time.Duration
	start    time.Time
	next     time.Time
	rng      *rand.Rand
	alive    atomic.Bool
	rx       atomic.Uint64
}

func NewSyntheticTransport(channels int, timeout time.Duration, seed int64) *SyntheticTransport {
	now := time.Now()
	st := &SyntheticTransport{
		channels: channels,
		timeout:  timeout,
		period:   syntheticPeriod,
		start:    now,
		next:     now,
		rng:      rand.New(rand.NewSource(seed)),
	}
	st.alive.Store(true)
	return st
}

// SyntheticValue is the noiseless waveform for channel i at t seconds
func SyntheticValue(i int, t float64) float64 {
	return 50 + 40*math.Sin(t/float64(10+i%5)+float64(i))
}

func (st *SyntheticTransport) ReadFrame() ([]byte, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.alive.Load() {
		return nil, false
	}

	wait := time.Until(st.next)
	if wait > st.timeout {
		time.Sleep(st.timeout)
		return nil, false
	}
	if wait > 0 {
		time.Sleep(wait)
	}
	st.next = st.next.Add(st.period)
	// don't try to catch up after a long pause
	if time.Until(st.next) < -st.period {
		st.next = time.Now().Add(st.period)
	}

	t := time.Since(st.start).Seconds()
	frame := make([]byte, 0, 16*st.channels)
	frame = append(frame, '[')
	for i := 0; i < st.channels; i++ {
		v := SyntheticValue(i, t)
		if st.rng.Float64() < syntheticOutlier {
			v = -10 + st.rng.Float64()*130
		}
		if i > 0 {
			frame = append(frame, ", "...)
		}
		frame = strconv.AppendFloat(frame, v, 'f', 4, 64)
	}
	frame = append(frame, ']', '\n')

	st.rx.Add(uint64(len(frame)))
	return frame, true
}

func (st *SyntheticTransport) Alive() bool     { return st.alive.Load() }
func (st *SyntheticTransport) RxBytes() uint64 { return st.rx.Load() }

func (st *SyntheticTransport) Close() error {
	st.alive.Store(false)
	return nil
}
