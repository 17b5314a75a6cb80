package tessitura

import (
	"context"
	"log/slog"
	"sync"
	"time"

	Tp "github.com/maroda/tessitura/plugin"
	Tt "github.com/maroda/tessitura/types"
)

// Dispatcher turns packets into samples: for every parameter of one
// registry snapshot it runs the filter chain, stores the sample,
// evaluates the alarm and hands the event to outputs and listeners.
// It is the only writer of the Store.
type Dispatcher struct {
	Registry *Registry
	Chains   *Tp.ChainSet
	Store    *Store

	// OnAlarm is called when a parameter changes alarm level
	OnAlarm func(id string, from, to Tt.AlarmLevel)

	MU        sync.Mutex
	packetMU  sync.Mutex // held while a packet updates chains, store and alarms
	outputs   []Tp.OutputAdapter
	listeners map[int]func(Tt.SampleEvent)
	nextID    int
	alarms    map[string]Tt.AlarmLevel

	StopChan chan struct{}
	WG       sync.WaitGroup
}

func NewDispatcher(reg *Registry, chains *Tp.ChainSet, store *Store) *Dispatcher {
	d := &Dispatcher{
		Registry:  reg,
		Chains:    chains,
		Store:     store,
		listeners: make(map[int]func(Tt.SampleEvent)),
		alarms:    make(map[string]Tt.AlarmLevel),
	}

	// A packet already dispatching against the old snapshot finishes
	// before the state of id goes, so nothing is written back after.
	reg.OnRemove(func(id string) {
		d.packetMU.Lock()
		defer d.packetMU.Unlock()
		chains.Delete(id)
		store.Delete(id)
		d.MU.Lock()
		delete(d.alarms, id)
		d.MU.Unlock()
	})
	return d
}

// AddOutput attaches an output adapter, it receives every sample
func (d *Dispatcher) AddOutput(o Tp.OutputAdapter) {
	d.MU.Lock()
	defer d.MU.Unlock()
	d.outputs = append(d.outputs, o)
	slog.Info("Output attached", slog.String("type", o.Type()))
}

// Listen registers fn for every sample event, the returned func removes it.
// fn runs on the dispatcher goroutine and must not block.
func (d *Dispatcher) Listen(fn func(Tt.SampleEvent)) func() {
	d.MU.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.MU.Unlock()

	return func() {
		d.MU.Lock()
		delete(d.listeners, id)
		d.MU.Unlock()
	}
}

// Alarm is the last evaluated level of id
func (d *Dispatcher) Alarm(id string) Tt.AlarmLevel {
	d.MU.Lock()
	defer d.MU.Unlock()
	return d.alarms[id]
}

// Dispatch processes one packet against one registry snapshot.
// Parameters whose channel is absent from the packet get nothing.
func (d *Dispatcher) Dispatch(p Tt.Packet) []Tt.SampleEvent {
	d.packetMU.Lock()
	snap := d.Registry.Snapshot()
	wall := time.Now()

	events := make([]Tt.SampleEvent, 0, snap.Len())
	for _, param := range snap.Parameters() {
		raw, ok := p.Channel(param.ArrayIndex)
		if !ok {
			continue
		}
		filtered := d.Chains.Apply(param.ID, raw)
		d.Store.Push(param.ID, raw, filtered, p.TS)

		level := Alarm(filtered, param.Threshold)
		events = append(events, Tt.SampleEvent{
			Parameter: param.ID,
			Raw:       raw,
			Filtered:  filtered,
			TS:        p.TS,
			Alarm:     level,
			AlarmName: level.String(),
			Wall:      wall,
		})
	}

	d.MU.Lock()
	outputs := make([]Tp.OutputAdapter, len(d.outputs))
	copy(outputs, d.outputs)
	listeners := make([]func(Tt.SampleEvent), 0, len(d.listeners))
	for _, fn := range d.listeners {
		listeners = append(listeners, fn)
	}
	type transition struct {
		id       string
		from, to Tt.AlarmLevel
	}
	var changed []transition
	for _, ev := range events {
		if prev := d.alarms[ev.Parameter]; prev != ev.Alarm {
			changed = append(changed, transition{ev.Parameter, prev, ev.Alarm})
		}
		d.alarms[ev.Parameter] = ev.Alarm
	}
	d.MU.Unlock()
	d.packetMU.Unlock()

	for _, c := range changed {
		slog.Info("Alarm level changed",
			slog.String("parameter", c.id),
			slog.String("from", c.from.String()),
			slog.String("to", c.to.String()))
		if d.OnAlarm != nil {
			d.OnAlarm(c.id, c.from, c.to)
		}
	}

	for i := range events {
		ev := &events[i]
		for _, o := range outputs {
			if err := o.WriteSample(ev); err != nil {
				slog.Debug("Output write failed", slog.String("type", o.Type()), slog.Any("Error", err))
			}
		}
		for _, fn := range listeners {
			fn(*ev)
		}
	}

	return events
}

// Start consumes the subscription until Stop
func (d *Dispatcher) Start(ctx context.Context, sub *Subscription) {
	d.StopChan = make(chan struct{})

	d.WG.Add(1)
	go func() {
		defer d.WG.Done()
		for {
			select {
			case p := <-sub.C:
				d.Dispatch(p)
			case <-d.StopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop waits for the dispatch goroutine to exit
func (d *Dispatcher) Stop() {
	if d.StopChan != nil {
		close(d.StopChan)
		d.WG.Wait()
		d.StopChan = nil
	}
}

// CloseOutputs flushes and closes every output adapter
func (d *Dispatcher) CloseOutputs() {
	d.MU.Lock()
	outputs := d.outputs
	d.outputs = nil
	d.MU.Unlock()

	for _, o := range outputs {
		if err := o.Close(); err != nil {
			slog.Error("Output close failed", slog.String("type", o.Type()), slog.Any("Error", err))
		}
	}
}
