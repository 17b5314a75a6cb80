package tessitura

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	To "github.com/maroda/tessitura/obvy"
	Tp "github.com/maroda/tessitura/plugin"
	Ts "github.com/maroda/tessitura/server"
	Tt "github.com/maroda/tessitura/types"
)

// Supervisor owns one pipeline: engine, dispatcher, consumer and logger.
// Registry edits apply live through snapshots; anything that changes
// the transport or the encoding goes through Reconfigure.
type Supervisor struct {
	MU         sync.Mutex
	Config     Ts.Config
	Registry   *Ts.Registry
	Chains     *Tp.ChainSet
	Store      *Ts.Store
	Engine     *Ts.Engine
	Dispatcher *Ts.Dispatcher
	Logger     *Ts.DataLogger
	Consumer   *Consumer
	Archive    *Tp.BadgerOutput // nil when no archive is configured
	Stats      *To.StatsInternal

	// Transport overrides the transport named by the config
	Transport Ts.TransportFactory

	current atomic.Pointer[Ts.Engine]
	parent  context.Context
	cancel  context.CancelFunc
	sub     *Ts.Subscription
	running bool
}

func NewSupervisor(cfg Ts.Config, stats *To.StatsInternal) (*Supervisor, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Supervisor{
		Config:   cfg,
		Registry: Ts.NewRegistry(),
		Chains:   Tp.NewChainSet(),
		Store:    Ts.NewStore(cfg.HistorySize),
		Stats:    stats,
	}
	if err := s.applyParameters(cfg.Parameters); err != nil {
		return nil, err
	}

	s.Dispatcher = Ts.NewDispatcher(s.Registry, s.Chains, s.Store)
	s.Logger = Ts.NewDataLogger(cfg.LogConfig())
	s.Consumer = NewConsumer(s.Store, s.Logger, cfg.HTTP.FrameRate)

	if stats != nil {
		s.Dispatcher.OnAlarm = func(id string, from, to Tt.AlarmLevel) {
			stats.RecAlarm(to.String())
		}
		s.Logger.OnFlush = func(rows int, took time.Duration, err error) {
			stats.RecLogFlush(rows, took.Seconds(), err)
		}
		s.registerStats()
	}

	if err := s.buildEngine(); err != nil {
		return nil, err
	}
	return s, nil
}

// applyParameters builds every chain before touching the registry,
// so a bad filter leaves the pipeline as it was
func (s *Supervisor) applyParameters(pcs []Ts.ParameterConfig) error {
	params := make([]Ts.Parameter, 0, len(pcs))
	chains := make(map[string]*Tp.Chain, len(pcs))
	for _, pc := range pcs {
		chain, err := Tp.ChainFromConfig(pc.Filters)
		if err != nil {
			return fmt.Errorf("parameter %s: %w", pc.ID, err)
		}
		params = append(params, pc.Parameter)
		chains[pc.ID] = chain
	}

	if err := s.Registry.Replace(params); err != nil {
		return err
	}
	for id, chain := range chains {
		s.Chains.Set(id, chain)
	}
	return nil
}

// checkParameters is applyParameters without side effects
func checkParameters(pcs []Ts.ParameterConfig) error {
	params := make([]Ts.Parameter, 0, len(pcs))
	for _, pc := range pcs {
		if _, err := Tp.ChainFromConfig(pc.Filters); err != nil {
			return fmt.Errorf("parameter %s: %w", pc.ID, err)
		}
		params = append(params, pc.Parameter)
	}
	return Ts.NewRegistry().Replace(params)
}

func (s *Supervisor) buildEngine() error {
	dec, err := Ts.NewDecoder(s.Config.DecoderConfig())
	if err != nil {
		return err
	}

	open := s.Transport
	if open == nil {
		tc := s.Config.Transport
		channels := s.Config.Encoding.ChannelCount
		open = func(ctx context.Context) (Ts.Transport, error) {
			return Ts.OpenTransport(ctx, tc, channels)
		}
	}

	engine := Ts.NewEngine(open, dec)
	if s.Stats != nil {
		stats := s.Stats
		engine.OnState = func(st Ts.State) { stats.RecEngineState(int(st)) }
	}
	s.Engine = engine
	s.current.Store(engine)
	return nil
}

// SetTransport replaces the transport factory, nil goes back to the config.
// The pipeline must be stopped.
func (s *Supervisor) SetTransport(open Ts.TransportFactory) error {
	s.MU.Lock()
	defer s.MU.Unlock()
	if s.running {
		return Ts.ErrEngineRunning
	}
	s.Transport = open
	return s.buildEngine()
}

func (s *Supervisor) registerStats() {
	counter := func(name, help string, pick func(Ts.Status) uint64) {
		s.Stats.CounterFunc(name, help, func() float64 {
			return float64(pick(s.Status()))
		})
	}
	counter("rx_bytes_total", "Bytes read from the transport", func(st Ts.Status) uint64 { return st.RxBytes })
	counter("frames_total", "Frames delivered by the transport", func(st Ts.Status) uint64 { return st.Frames })
	counter("packets_total", "Packets decoded and published", func(st Ts.Status) uint64 { return st.Packets })
	counter("decode_errors_total", "Malformed frames", func(st Ts.Status) uint64 { return st.DecodeErrors })
	counter("reconnects_total", "Transport reconnect attempts", func(st Ts.Status) uint64 { return st.Reconnects })
	counter("dropped_packets_total", "Packets replaced before a subscriber read them", func(st Ts.Status) uint64 { return st.Dropped })
}

// OpenOutputs attaches the archive and the alarm publisher named by the config
func (s *Supervisor) OpenOutputs() error {
	cfg := s.Config
	if cfg.Archive.Path != "" {
		archive, err := Tp.NewBadgerOutput(cfg.Archive.Path, cfg.Archive.BatchSize)
		if err != nil {
			return err
		}
		s.Archive = archive
		s.Dispatcher.AddOutput(archive)
	}
	if cfg.MQTT.Broker != "" {
		pub, err := Tp.NewPahoPublisher(cfg.MQTT.Broker)
		if err != nil {
			return err
		}
		s.Dispatcher.AddOutput(Tp.NewMQTTOutput(pub, cfg.MQTT.TopicPrefix))
	}
	return nil
}

// Start runs engine, dispatcher and frame clock
func (s *Supervisor) Start(ctx context.Context) error {
	s.MU.Lock()
	defer s.MU.Unlock()
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	if s.running {
		return nil
	}
	s.parent = ctx
	runCtx, cancel := context.WithCancel(ctx)

	s.sub = s.Engine.Subscribe()
	if err := s.Engine.Start(runCtx); err != nil {
		cancel()
		s.Engine.Unsubscribe(s.sub)
		return err
	}
	s.Dispatcher.Start(runCtx, s.sub)
	s.Consumer.Start()
	s.cancel = cancel
	s.running = true

	if s.Config.Logging.Autostart && !s.Logger.Active() {
		if err := s.Logger.Start(s.Registry); err != nil {
			slog.Error("Could not start data logging", slog.Any("Error", err))
		}
	}

	slog.Info("Pipeline started",
		slog.String("transport", string(s.Config.Transport.Mode)),
		slog.String("encoding", string(s.Config.Encoding.Format)),
		slog.Int("parameters", s.Registry.Snapshot().Len()))
	return nil
}

// Stop tears down in order: acquisition and transport, dispatch,
// frame clock, then the logger is flushed and closed
func (s *Supervisor) Stop() error {
	s.MU.Lock()
	defer s.MU.Unlock()
	return s.stopLocked()
}

func (s *Supervisor) stopLocked() error {
	if !s.running {
		return nil
	}

	s.Engine.Stop()
	s.Engine.Unsubscribe(s.sub)
	s.Dispatcher.Stop()
	s.Consumer.Stop()
	s.cancel()
	s.running = false

	err := s.Logger.Stop()
	if err != nil {
		slog.Error("Data log did not close cleanly", slog.Any("Error", err))
	}
	slog.Info("Pipeline stopped")
	return err
}

// Close stops the pipeline and releases the outputs
func (s *Supervisor) Close() error {
	err := s.Stop()
	s.Dispatcher.CloseOutputs()
	return err
}

// Reconfigure is stop, swap, start. The new config is validated first
// and nothing changes when it is rejected.
func (s *Supervisor) Reconfigure(cfg Ts.Config) error {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := Ts.NewDecoder(cfg.DecoderConfig()); err != nil {
		return err
	}
	if err := checkParameters(cfg.Parameters); err != nil {
		return err
	}

	s.MU.Lock()
	defer s.MU.Unlock()

	wasRunning := s.running
	if err := s.stopLocked(); err != nil {
		slog.Warn("Stop during reconfigure reported", slog.Any("Error", err))
	}

	s.Config = cfg
	if err := s.applyParameters(cfg.Parameters); err != nil {
		return err
	}
	s.Store.Clear()
	s.Logger.Config = cfg.LogConfig()
	onFrame := s.Consumer.OnFrame
	s.Consumer = NewConsumer(s.Store, s.Logger, cfg.HTTP.FrameRate)
	s.Consumer.OnFrame = onFrame
	if err := s.buildEngine(); err != nil {
		return err
	}

	slog.Info("Pipeline reconfigured")
	if wasRunning {
		return s.startLocked(s.parent)
	}
	return nil
}

// Status of the current engine, safe to call from the frame clock
func (s *Supervisor) Status() Ts.Status {
	e := s.current.Load()
	if e == nil {
		return Ts.Status{StateName: Ts.Idle.String()}
	}
	return e.Status()
}

func (s *Supervisor) Pause() {
	if e := s.current.Load(); e != nil {
		e.Pause()
	}
}

func (s *Supervisor) Resume() {
	if e := s.current.Load(); e != nil {
		e.Resume()
	}
}

// Paused reports the requested pause of the current engine
func (s *Supervisor) Paused() bool {
	e := s.current.Load()
	return e != nil && e.Paused()
}

// TogglePause flips between streaming and paused
func (s *Supervisor) TogglePause() {
	e := s.current.Load()
	if e == nil {
		return
	}
	if e.Paused() {
		s.Resume()
		return
	}
	s.Pause()
}

// AddParameter registers p with its chain, the chain is in place
// before the first packet can reach the parameter
func (s *Supervisor) AddParameter(pc Ts.ParameterConfig) error {
	chain, err := Tp.ChainFromConfig(pc.Filters)
	if err != nil {
		return err
	}

	s.MU.Lock()
	defer s.MU.Unlock()

	// only a chain this call installed is rolled back
	installed := false
	if _, exists := s.Registry.Get(pc.ID); !exists {
		s.Chains.Set(pc.ID, chain)
		installed = true
	}
	if err := s.Registry.Add(pc.Parameter); err != nil {
		if installed {
			s.Chains.Delete(pc.ID)
		}
		return err
	}
	return nil
}

// SetFilters replaces the whole chain of a parameter, state starts fresh
func (s *Supervisor) SetFilters(id string, fcs []Tp.FilterConfig) error {
	s.MU.Lock()
	defer s.MU.Unlock()
	if _, ok := s.Registry.Get(id); !ok {
		return &Ts.RegistryError{Op: "filters", ID: id, Err: Ts.ErrNotFound}
	}
	chain, err := Tp.ChainFromConfig(fcs)
	if err != nil {
		return err
	}
	s.Chains.Set(id, chain)
	return nil
}

func (s *Supervisor) StartLogging() error {
	return s.Logger.Start(s.Registry)
}

func (s *Supervisor) StopLogging() error {
	return s.Logger.Stop()
}
