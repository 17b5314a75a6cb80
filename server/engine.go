package tessitura

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	Tt "github.com/maroda/tessitura/types"
)

const (
	ReconnectInitial    = 1 * time.Second
	ReconnectMultiplier = 1.5
	ReconnectMax        = 30 * time.Second

	pausePoll = 50 * time.Millisecond
)

var ErrEngineRunning = errors.New("acquisition engine already running")

// State of the acquisition loop
type State int32

const (
	Idle State = iota
	Connecting
	Streaming
	Paused
	Backoff
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Paused:
		return "paused"
	case Backoff:
		return "backoff"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// NewReconnectBackOff waits 1s, growing by 1.5 per failure up to 30s, forever
func NewReconnectBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ReconnectInitial
	b.Multiplier = ReconnectMultiplier
	b.MaxInterval = ReconnectMax
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// TransportFactory opens a fresh transport for every connection attempt
type TransportFactory func(ctx context.Context) (Transport, error)

// Subscription receives packets in production order.
// It holds at most one packet, a newer one replaces an unread older one.
type Subscription struct {
	C       <-chan Tt.Packet
	ch      chan Tt.Packet
	dropped atomic.Uint64
}

// Dropped is the count of packets replaced before they were read
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) deliver(p Tt.Packet) bool {
	select {
	case s.ch <- p:
		return true
	default:
	}
	// slot is full, drop the stale packet
	select {
	case <-s.ch:
	default:
	}
	s.dropped.Add(1)
	select {
	case s.ch <- p:
	default:
	}
	return false
}

// Status is a point in time view of the engine
type Status struct {
	State        State  `json:"-"`
	StateName    string `json:"state"`
	Alive        bool   `json:"alive"`
	RxBytes      uint64 `json:"rx_bytes"`
	Frames       uint64 `json:"frames"`
	Packets      uint64 `json:"packets"`
	DecodeErrors uint64 `json:"decode_errors"`
	Reconnects   uint64 `json:"reconnects"`
	Dropped      uint64 `json:"dropped"`
}

// Engine owns the transport and decoder and runs the acquisition loop
type Engine struct {
	Open    TransportFactory
	Decoder *Decoder
	BackOff backoff.BackOff
	Yield   time.Duration // pause between cycles, zero yields the processor only

	// OnState is called on every state change, from the acquisition goroutine
	OnState func(State)

	MU        sync.Mutex
	subs      []*Subscription
	transport Transport
	rxClosed  uint64 // bytes from transports already closed

	state      atomic.Int32
	paused     atomic.Bool
	frames     atomic.Uint64
	packets    atomic.Uint64
	reconnects atomic.Uint64
	dropped    atomic.Uint64

	epoch    time.Time
	seq      uint64
	cancel   context.CancelFunc
	StopChan chan struct{}
	WG       sync.WaitGroup
}

func NewEngine(open TransportFactory, dec *Decoder) *Engine {
	return &Engine{
		Open:    open,
		Decoder: dec,
		BackOff: NewReconnectBackOff(),
		Yield:   time.Millisecond,
	}
}

// Subscribe adds a packet consumer
func (e *Engine) Subscribe() *Subscription {
	ch := make(chan Tt.Packet, 1)
	s := &Subscription{C: ch, ch: ch}

	e.MU.Lock()
	e.subs = append(e.subs, s)
	e.MU.Unlock()
	return s
}

// Unsubscribe removes s, its channel is left open and simply stops receiving
func (e *Engine) Unsubscribe(s *Subscription) {
	e.MU.Lock()
	defer e.MU.Unlock()
	for i, sub := range e.subs {
		if sub == s {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}

func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) {
	if State(e.state.Swap(int32(s))) == s {
		return
	}
	slog.Debug("Acquisition state", slog.String("state", s.String()))
	if e.OnState != nil {
		e.OnState(s)
	}
}

// Start launches the acquisition goroutine
func (e *Engine) Start(ctx context.Context) error {
	e.MU.Lock()
	if e.StopChan != nil {
		e.MU.Unlock()
		return ErrEngineRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.StopChan = make(chan struct{})
	e.epoch = time.Now()
	e.seq = 0
	e.MU.Unlock()

	e.paused.Store(false)
	e.BackOff.Reset()

	e.WG.Add(1)
	go func() {
		defer e.WG.Done()
		e.run(ctx)
	}()

	slog.Info("Acquisition started")
	return nil
}

// Stop ends acquisition and closes the transport.
// It returns once the loop has exited, within one read timeout.
func (e *Engine) Stop() {
	e.MU.Lock()
	if e.StopChan == nil {
		e.MU.Unlock()
		return
	}
	close(e.StopChan)
	e.cancel()
	e.MU.Unlock()

	e.WG.Wait()

	e.MU.Lock()
	e.StopChan = nil
	e.cancel = nil
	e.MU.Unlock()
	slog.Info("Acquisition stopped")
}

func (e *Engine) Pause() {
	e.paused.Store(true)
}

func (e *Engine) Resume() {
	e.paused.Store(false)
}

// Paused reports the requested pause, the loop may not have reached it yet
func (e *Engine) Paused() bool { return e.paused.Load() }

// Status collects the counters
func (e *Engine) Status() Status {
	e.MU.Lock()
	rx := e.rxClosed
	alive := false
	if e.transport != nil {
		rx += e.transport.RxBytes()
		alive = e.transport.Alive()
	}
	e.MU.Unlock()

	st := e.State()
	var decodeErrors uint64
	if e.Decoder != nil {
		decodeErrors = e.Decoder.DecodeErrors()
	}
	return Status{
		State:        st,
		StateName:    st.String(),
		Alive:        alive,
		RxBytes:      rx,
		Frames:       e.frames.Load(),
		Packets:      e.packets.Load(),
		DecodeErrors: decodeErrors,
		Reconnects:   e.reconnects.Load(),
		Dropped:      e.dropped.Load(),
	}
}

func (e *Engine) run(ctx context.Context) {
	defer e.setState(Stopped)

	attempt := 0
	failing := false
	for ctx.Err() == nil {
		e.setState(Connecting)
		if attempt > 0 {
			e.reconnects.Add(1)
		}
		attempt++

		t, err := e.Open(ctx)
		if err != nil {
			// reported once per run of failures
			if !failing {
				slog.Warn("Transport open failed", slog.Any("Error", err))
				failing = true
			} else {
				slog.Debug("Transport open failed", slog.Any("Error", err))
			}
			if !e.backoff(ctx) {
				return
			}
			continue
		}
		failing = false
		e.BackOff.Reset()

		e.MU.Lock()
		e.transport = t
		e.MU.Unlock()

		e.stream(ctx, t)
		e.closeTransport()

		if ctx.Err() != nil {
			return
		}
		slog.Warn("Transport lost, reconnecting")
		if !e.backoff(ctx) {
			return
		}
	}
}

// backoff waits for the next reconnect delay, false if stopped meanwhile
func (e *Engine) backoff(ctx context.Context) bool {
	e.setState(Backoff)
	d := e.BackOff.NextBackOff()
	if d == backoff.Stop {
		d = ReconnectMax
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// stream reads until the transport dies or the context ends
func (e *Engine) stream(ctx context.Context, t Transport) {
	for ctx.Err() == nil {
		if e.paused.Load() {
			e.setState(Paused)
			select {
			case <-time.After(pausePoll):
			case <-ctx.Done():
				return
			}
			continue
		}
		e.setState(Streaming)

		frame, ok := t.ReadFrame()
		if !ok {
			if !t.Alive() {
				return
			}
			continue
		}
		e.frames.Add(1)

		values, err := e.Decoder.Decode(frame)
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				slog.Debug("Dropped frame", slog.Any("Error", err))
			}
			continue
		}
		e.publish(values)

		if e.Yield > 0 {
			time.Sleep(e.Yield)
		} else {
			runtime.Gosched()
		}
	}
}

// publish hands the packet to every subscriber in order
func (e *Engine) publish(values []float64) {
	e.seq++
	p := Tt.Packet{
		Seq:    e.seq,
		TS:     time.Since(e.epoch).Seconds(),
		Values: values,
	}
	e.packets.Add(1)

	e.MU.Lock()
	subs := make([]*Subscription, len(e.subs))
	copy(subs, e.subs)
	e.MU.Unlock()

	for _, s := range subs {
		if !s.deliver(p) {
			e.dropped.Add(1)
		}
	}
}

func (e *Engine) closeTransport() {
	e.MU.Lock()
	t := e.transport
	e.transport = nil
	if t != nil {
		e.rxClosed += t.RxBytes()
	}
	e.MU.Unlock()

	if t == nil {
		return
	}
	if err := t.Close(); err != nil {
		slog.Debug("Transport close failed", slog.Any("Error", err))
	}
}
