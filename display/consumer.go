package tessitura

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	Ts "github.com/maroda/tessitura/server"
)

const DefaultFrameRate = 30

// Consumer is the frame clock: it reads the store on every tick,
// drives the data logger when something new arrived, and redraws.
// It owns the logger session.
type Consumer struct {
	Store   *Ts.Store
	Logger  *Ts.DataLogger
	Period  time.Duration
	OnFrame func() // called on every tick with new data

	lastGen  uint64
	Ticker   *time.Ticker
	StopChan chan struct{}
	WG       sync.WaitGroup
}

func NewConsumer(store *Ts.Store, logger *Ts.DataLogger, rate float64) *Consumer {
	if rate <= 0 {
		rate = DefaultFrameRate
	}
	return &Consumer{
		Store:  store,
		Logger: logger,
		Period: time.Duration(float64(time.Second) / rate),
	}
}

// Tick runs one frame. A log write failure has already closed the
// session, it is reported and later ticks log nothing until restarted.
func (c *Consumer) Tick() error {
	gen := c.Store.Generation()
	if gen == c.lastGen {
		return nil
	}
	c.lastGen = gen

	var err error
	if c.Logger != nil {
		err = c.Logger.Log(c.Store)
		var lwe *Ts.LogWriteError
		if errors.As(err, &lwe) {
			slog.Error("Data logging stopped after write failure", slog.String("path", lwe.Path), slog.Any("Error", lwe.Err))
		}
	}
	if c.OnFrame != nil {
		c.OnFrame()
	}
	return err
}

// Start the frame clock
func (c *Consumer) Start() {
	c.StopChan = make(chan struct{})
	c.Ticker = time.NewTicker(c.Period)

	c.WG.Add(1)
	go func() {
		defer c.WG.Done()
		defer c.Ticker.Stop()

		for {
			select {
			case <-c.Ticker.C:
				c.Tick()
			case <-c.StopChan:
				return
			}
		}
	}()
}

// Stop the frame clock
func (c *Consumer) Stop() {
	if c.StopChan != nil {
		close(c.StopChan)
		c.WG.Wait()
		c.StopChan = nil
	}
}
