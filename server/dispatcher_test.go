package tessitura_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	Tp "github.com/maroda/tessitura/plugin"
	Ts "github.com/maroda/tessitura/server"
	Tt "github.com/maroda/tessitura/types"
)

func TestDispatcher_Dispatch(t *testing.T) {
	reg := Ts.NewRegistry()
	chains := Tp.NewChainSet()
	store := Ts.NewStore(10)
	disp := Ts.NewDispatcher(reg, chains, store)

	assertError(t, reg.Add(makeTestParameter("P", 0)), nil)
	ma, err := Tp.NewMovingAverage("ma", 3)
	assertError(t, err, nil)
	lp, err := Tp.NewLowPass("lp", 0.5)
	assertError(t, err, nil)
	chain, err := Tp.NewChain(ma, lp)
	assertError(t, err, nil)
	chains.Set("P", chain)

	t.Run("History holds the chain output", func(t *testing.T) {
		for i, raw := range []float64{1, 2, 3, 4} {
			disp.Dispatch(Tt.Packet{Seq: uint64(i + 1), TS: float64(i), Values: []float64{raw}})
		}
		window := store.Window("P")
		filtered := make([]float64, len(window))
		raws := make([]float64, len(window))
		for i, s := range window {
			filtered[i] = s.Filtered
			raws[i] = s.Raw
		}
		assertFloats(t, filtered, []float64{1, 1.25, 1.625, 2.3125})
		assertFloats(t, raws, []float64{1, 2, 3, 4})
	})

	t.Run("Absent channels produce nothing", func(t *testing.T) {
		assertError(t, reg.Add(makeTestParameter("far", 5)), nil)
		events := disp.Dispatch(Tt.Packet{Seq: 5, TS: 5, Values: []float64{50}})
		assertInt(t, len(events), 1)
		assertString(t, events[0].Parameter, "P")
		assertInt(t, store.Len("far"), 0)
	})

	t.Run("Removing a parameter drops its state", func(t *testing.T) {
		assertError(t, reg.Remove("P"), nil)
		assertInt(t, store.Len("P"), 0)
		assertInt(t, chains.Get("P").Len(), 0)
	})
}

func TestDispatcher_RemoveWhileStreaming(t *testing.T) {
	const count = 5000
	params := make([]Ts.Parameter, count)
	for i := range params {
		params[i] = makeTestParameter(fmt.Sprintf("p%d", i), 0)
	}
	last := params[count-1].ID

	for round := 0; round < 10; round++ {
		reg := Ts.NewRegistry()
		store := Ts.NewStore(10)
		disp := Ts.NewDispatcher(reg, Tp.NewChainSet(), store)
		assertError(t, reg.Replace(params), nil)

		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					disp.Dispatch(Tt.Packet{Values: []float64{50}})
				}
			}
		}()

		eventually(t, func() bool { return store.Len(last) > 0 })
		assertError(t, reg.Remove(last), nil)
		close(stop)
		wg.Wait()

		if n := store.Len(last); n != 0 {
			t.Fatalf("round %d: removed parameter still holds %d samples", round, n)
		}
		if _, ok := store.Latest(last); ok {
			t.Fatalf("round %d: removed parameter still has a latest sample", round)
		}
	}
}

func TestDispatcher_Alarms(t *testing.T) {
	reg := Ts.NewRegistry()
	disp := Ts.NewDispatcher(reg, Tp.NewChainSet(), Ts.NewStore(10))
	assertError(t, reg.Add(makeTestParameter("temp", 0)), nil)

	var mu sync.Mutex
	var transitions []Tt.AlarmLevel
	disp.OnAlarm = func(id string, from, to Tt.AlarmLevel) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}

	for _, v := range []float64{50, 5, 5, 120, 50} {
		disp.Dispatch(Tt.Packet{Values: []float64{v}})
	}

	t.Run("Only changes are reported", func(t *testing.T) {
		mu.Lock()
		defer mu.Unlock()
		want := []Tt.AlarmLevel{Tt.Warning, Tt.Critical, Tt.Nominal}
		assertInt(t, len(transitions), len(want))
		for i := range want {
			if transitions[i] != want[i] {
				t.Errorf("transition %d: got %s, want %s", i, transitions[i], want[i])
			}
		}
	})

	t.Run("Last level is remembered", func(t *testing.T) {
		if got := disp.Alarm("temp"); got != Tt.Nominal {
			t.Errorf("got %s, want nominal", got)
		}
	})

	t.Run("Events carry the alarm name", func(t *testing.T) {
		events := disp.Dispatch(Tt.Packet{Values: []float64{-5}})
		assertString(t, events[0].AlarmName, "critical")
	})
}

func TestDispatcher_Outputs(t *testing.T) {
	reg := Ts.NewRegistry()
	disp := Ts.NewDispatcher(reg, Tp.NewChainSet(), Ts.NewStore(10))
	assertError(t, reg.Add(makeTestParameter("a", 0)), nil)
	assertError(t, reg.Add(makeTestParameter("b", 1)), nil)

	out := &recordOutput{}
	disp.AddOutput(out)

	var heard []Tt.SampleEvent
	unlisten := disp.Listen(func(ev Tt.SampleEvent) { heard = append(heard, ev) })

	t.Run("Outputs and listeners see every sample", func(t *testing.T) {
		disp.Dispatch(Tt.Packet{Values: []float64{1, 2}})
		assertInt(t, len(out.Samples()), 2)
		assertInt(t, len(heard), 2)
		assertString(t, heard[1].Parameter, "b")
	})

	t.Run("A failing output does not stop the others", func(t *testing.T) {
		out.err = errors.New("disk full")
		disp.Dispatch(Tt.Packet{Values: []float64{3, 4}})
		assertInt(t, len(heard), 4)
	})

	t.Run("Unlisten stops delivery", func(t *testing.T) {
		unlisten()
		disp.Dispatch(Tt.Packet{Values: []float64{5, 6}})
		assertInt(t, len(heard), 4)
	})

	t.Run("CloseOutputs closes and detaches", func(t *testing.T) {
		disp.CloseOutputs()
		assertTrue(t, out.closed)
		before := len(out.Samples())
		disp.Dispatch(Tt.Packet{Values: []float64{7, 8}})
		assertInt(t, len(out.Samples()), before)
	})
}

func TestDispatcher_Start(t *testing.T) {
	ft := newFakeTransport()
	engine := makeTestEngine(t, ft)
	reg := Ts.NewRegistry()
	store := Ts.NewStore(10)
	disp := Ts.NewDispatcher(reg, Tp.NewChainSet(), store)
	assertError(t, reg.Add(makeTestParameter("x", 1)), nil)

	sub := engine.Subscribe()
	assertError(t, engine.Start(context.Background()), nil)
	disp.Start(context.Background(), sub)

	ft.frames <- []byte("[0, 33]\n")
	eventually(t, func() bool { return store.Len("x") == 1 })

	latest, _ := store.Latest("x")
	assertFloat(t, latest.Raw, 33)

	engine.Stop()
	disp.Stop()
	disp.Stop()
}

// recordOutput keeps what it is given
type recordOutput struct {
	mu      sync.Mutex
	samples []Tt.SampleEvent
	err     error
	closed  bool
}

func (o *recordOutput) WriteSample(ev *Tt.SampleEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.samples = append(o.samples, *ev)
	return o.err
}

func (o *recordOutput) WriteBatch(evs []*Tt.SampleEvent) error {
	for _, ev := range evs {
		o.WriteSample(ev)
	}
	return o.err
}

func (o *recordOutput) Samples() []Tt.SampleEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Tt.SampleEvent(nil), o.samples...)
}

func (o *recordOutput) Flush() error { return nil }
func (o *recordOutput) Close() error {
	o.closed = true
	return nil
}
func (o *recordOutput) Type() string { return "record" }
