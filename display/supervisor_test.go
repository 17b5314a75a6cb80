package tessitura_test

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	Td "github.com/maroda/tessitura/display"
	Tp "github.com/maroda/tessitura/plugin"
	Ts "github.com/maroda/tessitura/server"
	Tt "github.com/maroda/tessitura/types"
)

func TestNewSupervisor(t *testing.T) {
	t.Run("Builds the pipeline from config", func(t *testing.T) {
		sup, err := Td.NewSupervisor(makeTestConfig(t), nil)
		assertError(t, err, nil)
		assertInt(t, sup.Registry.Snapshot().Len(), 2)
		assertInt(t, sup.Chains.Get("P0").Len(), 1)
		assertString(t, sup.Status().StateName, "idle")
		if sup.Archive != nil {
			t.Errorf("archive should be off without a path")
		}
	})

	t.Run("Rejects an invalid config", func(t *testing.T) {
		cfg := makeTestConfig(t)
		cfg.Encoding.ChannelCount = 0
		_, err := Td.NewSupervisor(cfg, nil)
		assertError(t, err, Ts.ErrInvalidConfig)
	})

	t.Run("Rejects a bad filter", func(t *testing.T) {
		cfg := makeTestConfig(t)
		cfg.Parameters[0].Filters = []Tp.FilterConfig{{ID: "ma", Type: Tp.MovingAverage, WindowSize: 1}}
		_, err := Td.NewSupervisor(cfg, nil)
		assertError(t, err, Tp.ErrInvalidFilter)
	})

	t.Run("Rejects duplicate parameters", func(t *testing.T) {
		cfg := makeTestConfig(t)
		cfg.Parameters[1].ID = "P0"
		_, err := Td.NewSupervisor(cfg, nil)
		assertError(t, err, Ts.ErrDuplicateID)
	})
}

func TestSupervisor_StartStop(t *testing.T) {
	sup, src := makeTestSupervisor(t)

	assertError(t, sup.Start(context.Background()), nil)
	assertError(t, sup.Start(context.Background()), nil)

	t.Run("Samples flow from transport to store", func(t *testing.T) {
		src.frames <- []byte("[4, 33]\n")
		eventually(t, func() bool { return sup.Store.Len("P1") == 1 })
		latest, _ := sup.Store.Latest("P1")
		assertFloat(t, latest.Raw, 33)
		assertFloat(t, latest.Filtered, 33)
		assertUint64(t, sup.Status().Packets, 1)
	})

	t.Run("Transport cannot change while running", func(t *testing.T) {
		assertError(t, sup.SetTransport(nil), Ts.ErrEngineRunning)
	})

	t.Run("Pause toggles", func(t *testing.T) {
		sup.TogglePause()
		assertTrue(t, sup.Paused())
		eventually(t, func() bool { return sup.Status().State == Ts.Paused })
		sup.TogglePause()
		assertFalse(t, sup.Paused())
	})

	t.Run("Stop is idempotent", func(t *testing.T) {
		assertError(t, sup.Stop(), nil)
		assertError(t, sup.Stop(), nil)
		assertString(t, sup.Status().StateName, "stopped")
	})

	t.Run("Restarts after stop", func(t *testing.T) {
		assertError(t, sup.Start(context.Background()), nil)
		src.frames <- []byte("[5, 34]\n")
		eventually(t, func() bool { return sup.Store.Len("P1") == 2 })
		assertError(t, sup.Close(), nil)
	})
}

func TestSupervisor_Autostart(t *testing.T) {
	cfg := makeTestConfig(t)
	cfg.Logging.Autostart = true
	sup, _ := makeTestSupervisorWith(t, cfg)

	assertError(t, sup.Start(context.Background()), nil)
	assertTrue(t, sup.Logger.Active())
	path := sup.Logger.Path()
	assertStringContains(t, path, cfg.Logging.Dir)

	assertError(t, sup.Stop(), nil)
	assertFalse(t, sup.Logger.Active())
}

func TestSupervisor_Parameters(t *testing.T) {
	sup, _ := makeTestSupervisor(t)

	t.Run("AddParameter installs the chain", func(t *testing.T) {
		pc := makeTestParameterConfig("P2", 2)
		pc.Filters = []Tp.FilterConfig{{ID: "lp", Type: Tp.LowPass, Alpha: 0.5}}
		assertError(t, sup.AddParameter(pc), nil)
		assertInt(t, sup.Chains.Get("P2").Len(), 1)
	})

	t.Run("A duplicate leaves the existing chain alone", func(t *testing.T) {
		pc := makeTestParameterConfig("P0", 3)
		assertError(t, sup.AddParameter(pc), Ts.ErrDuplicateID)
		assertInt(t, sup.Chains.Get("P0").Len(), 1)
	})

	t.Run("A bad filter registers nothing", func(t *testing.T) {
		pc := makeTestParameterConfig("P3", 3)
		pc.Filters = []Tp.FilterConfig{{ID: "x", Type: "notch"}}
		assertError(t, sup.AddParameter(pc), Tp.ErrInvalidFilter)
		_, ok := sup.Registry.Get("P3")
		assertFalse(t, ok)
	})

	t.Run("A bad parameter drops its chain", func(t *testing.T) {
		pc := makeTestParameterConfig("P4", -1)
		pc.Filters = []Tp.FilterConfig{{ID: "lp", Type: Tp.LowPass, Alpha: 0.5}}
		assertError(t, sup.AddParameter(pc), Ts.ErrInvalidIndex)
		assertInt(t, sup.Chains.Get("P4").Len(), 0)
	})

	t.Run("An invalid add of an existing id keeps its chain", func(t *testing.T) {
		pc := makeTestParameterConfig("P0", 0)
		pc.Threshold = Tt.Threshold{LowCrit: 50, LowWarn: 10, HighWarn: 80, HighCrit: 100}
		assertGotError(t, sup.AddParameter(pc))
		assertInt(t, sup.Chains.Get("P0").Len(), 1)

		pc = makeTestParameterConfig("P0", -1)
		assertGotError(t, sup.AddParameter(pc))
		assertInt(t, sup.Chains.Get("P0").Len(), 1)
	})

	t.Run("Racing adds of one id leave the winner's chain", func(t *testing.T) {
		const racers = 16
		var wg sync.WaitGroup
		var winners atomic.Int32
		var winAlpha atomic.Value
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(alpha float64) {
				defer wg.Done()
				pc := makeTestParameterConfig("PR", 3)
				pc.Filters = []Tp.FilterConfig{{ID: "lp", Type: Tp.LowPass, Alpha: alpha}}
				if err := sup.AddParameter(pc); err == nil {
					winners.Add(1)
					winAlpha.Store(alpha)
				}
			}(float64(i+1) / 32)
		}
		wg.Wait()

		assertInt(t, int(winners.Load()), 1)
		fcs := sup.Chains.Get("PR").Config()
		assertInt(t, len(fcs), 1)
		assertFloat(t, fcs[0].Alpha, winAlpha.Load().(float64))
	})

	t.Run("SetFilters replaces the chain", func(t *testing.T) {
		err := sup.SetFilters("P0", []Tp.FilterConfig{
			{ID: "med", Type: Tp.Median, WindowSize: 3},
			{ID: "k", Type: Tp.Kalman},
		})
		assertError(t, err, nil)
		fcs := sup.Chains.Get("P0").Config()
		assertInt(t, len(fcs), 2)
		assertString(t, fcs[0].ID, "med")
	})

	t.Run("SetFilters needs a known parameter", func(t *testing.T) {
		err := sup.SetFilters("nope", nil)
		assertError(t, err, Ts.ErrNotFound)
	})

	t.Run("SetFilters keeps the old chain on error", func(t *testing.T) {
		err := sup.SetFilters("P0", []Tp.FilterConfig{{ID: "lp", Type: Tp.LowPass, Alpha: 2}})
		assertError(t, err, Tp.ErrInvalidFilter)
		assertInt(t, sup.Chains.Get("P0").Len(), 2)
	})
}

func TestSupervisor_Logging(t *testing.T) {
	sup, _ := makeTestSupervisor(t)

	assertError(t, sup.StartLogging(), nil)
	assertTrue(t, sup.Logger.Active())
	assertError(t, sup.StartLogging(), Ts.ErrLoggerActive)
	assertError(t, sup.StopLogging(), nil)
	assertFalse(t, sup.Logger.Active())
}

func TestSupervisor_Reconfigure(t *testing.T) {
	sup, src := makeTestSupervisor(t)
	var frames atomic.Int32
	sup.Consumer.OnFrame = func() { frames.Add(1) }
	assertError(t, sup.Start(context.Background()), nil)
	defer sup.Close()

	src.frames <- []byte("[1, 2]\n")
	eventually(t, func() bool { return sup.Store.Len("P0") == 1 })

	t.Run("A rejected config changes nothing", func(t *testing.T) {
		bad := sup.Config
		bad.Encoding.SampleWidth = 3
		bad.Encoding.Format = Ts.FormatFixedWidth
		assertError(t, sup.Reconfigure(bad), Ts.ErrInvalidConfig)
		assertInt(t, sup.Store.Len("P0"), 1)
		assertString(t, string(sup.Config.Encoding.Format), string(Ts.FormatTextArray))
	})

	t.Run("A bad parameter list changes nothing", func(t *testing.T) {
		bad := sup.Config
		bad.Parameters = append([]Ts.ParameterConfig{}, sup.Config.Parameters...)
		bad.Parameters[0].Filters = []Tp.FilterConfig{{ID: "x", Type: "notch"}}
		assertError(t, sup.Reconfigure(bad), Tp.ErrInvalidFilter)
		assertInt(t, sup.Registry.Snapshot().Len(), 2)
	})

	t.Run("A new encoding restarts the pipeline", func(t *testing.T) {
		cfg := sup.Config
		cfg.Encoding.Format = Ts.FormatDelimited
		cfg.Parameters = cfg.Parameters[1:]
		assertError(t, sup.Reconfigure(cfg), nil)

		assertInt(t, sup.Registry.Snapshot().Len(), 1)
		assertInt(t, sup.Store.Len("P0"), 0)

		src.frames <- []byte("7,8\n")
		eventually(t, func() bool { return sup.Store.Len("P1") == 1 })
		latest, _ := sup.Store.Latest("P1")
		assertFloat(t, latest.Raw, 8)
	})

	t.Run("The frame hook survives", func(t *testing.T) {
		eventually(t, func() bool { return frames.Load() > 0 })
		if sup.Consumer.OnFrame == nil {
			t.Errorf("OnFrame was dropped by reconfigure")
		}
	})
}

// Helpers //

func makeTestParameterConfig(id string, index int) Ts.ParameterConfig {
	return Ts.ParameterConfig{Parameter: Ts.Parameter{
		ID:         id,
		Name:       "Param " + id,
		Unit:       "u",
		ArrayIndex: index,
		Threshold:  Tt.Threshold{LowCrit: 0, LowWarn: 10, HighWarn: 80, HighCrit: 100},
	}}
}

// makeTestConfig has P0 (moving average of 2) on channel 0 and P1 on channel 1
func makeTestConfig(t *testing.T) Ts.Config {
	t.Helper()
	cfg := Ts.DefaultConfig()
	cfg.Transport.Mode = Ts.ModeStream
	cfg.Encoding.ChannelCount = 4
	cfg.Logging.Dir = filepath.Join(t.TempDir(), "logs")
	cfg.HTTP.FrameRate = 100

	p0 := makeTestParameterConfig("P0", 0)
	p0.Filters = []Tp.FilterConfig{{ID: "ma", Type: Tp.MovingAverage, WindowSize: 2}}
	cfg.Parameters = []Ts.ParameterConfig{p0, makeTestParameterConfig("P1", 1)}
	return cfg
}

func makeTestSupervisor(t *testing.T) (*Td.Supervisor, *frameSource) {
	t.Helper()
	return makeTestSupervisorWith(t, makeTestConfig(t))
}

func makeTestSupervisorWith(t *testing.T, cfg Ts.Config) (*Td.Supervisor, *frameSource) {
	t.Helper()
	sup, err := Td.NewSupervisor(cfg, nil)
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	src := &frameSource{frames: make(chan []byte, 16)}
	assertError(t, sup.SetTransport(src.Open), nil)
	t.Cleanup(func() { sup.Close() })
	return sup, src
}

// frameSource hands every opened transport the same frame channel
type frameSource struct {
	frames chan []byte
}

func (fs *frameSource) Open(ctx context.Context) (Ts.Transport, error) {
	return &chanTransport{frames: fs.frames}, nil
}

type chanTransport struct {
	frames chan []byte
	closed atomic.Bool
	rx     atomic.Uint64
}

func (c *chanTransport) ReadFrame() ([]byte, bool) {
	if c.closed.Load() {
		return nil, false
	}
	select {
	case fr := <-c.frames:
		c.rx.Add(uint64(len(fr)))
		return fr, true
	case <-time.After(5 * time.Millisecond):
		return nil, false
	}
}

func (c *chanTransport) Alive() bool     { return !c.closed.Load() }
func (c *chanTransport) RxBytes() uint64 { return c.rx.Load() }
func (c *chanTransport) Close() error {
	c.closed.Store(true)
	return nil
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func assertError(t testing.TB, got, want error) {
	t.Helper()
	if !errors.Is(got, want) {
		t.Errorf("got error %v, want %v", got, want)
	}
}

func assertGotError(t testing.TB, got error) {
	t.Helper()
	if got == nil {
		t.Errorf("expected an error but got %q", got)
	}
}

func assertInt(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func assertUint64(t testing.TB, got, want uint64) {
	t.Helper()
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func assertFloat(t testing.TB, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("got %v, want %v", got, want)
	}
}

func assertString(t testing.TB, got, want string) {
	t.Helper()
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func assertStringContains(t testing.TB, got, want string) {
	t.Helper()
	if !strings.Contains(got, want) {
		t.Errorf("got %q, want it to contain %q", got, want)
	}
}

func assertStatus(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("did not get correct status, got %d, want %d", got, want)
	}
}

func assertTrue(t testing.TB, got bool) {
	t.Helper()
	if !got {
		t.Errorf("expected true")
	}
}

func assertFalse(t testing.TB, got bool) {
	t.Helper()
	if got {
		t.Errorf("expected false")
	}
}
