package tessitura

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	To "github.com/maroda/tessitura/obvy"
	Ts "github.com/maroda/tessitura/server"
	Tt "github.com/maroda/tessitura/types"
)

const (
	screenGutter = 3 // rows above the first parameter
	sparkWidth   = 40
)

// View is the readout of the pipeline, on a terminal and over HTTP
type View struct {
	MU       sync.Mutex        // State locks to read data
	Sup      *Supervisor       // the pipeline being shown
	Screen   tcell.Screen      // nil when running without the TUI
	Stats    *To.StatsInternal // Internal status for prometheus
	server   *http.Server      // API and metrics server
	Selected int               // highlighted parameter row
	quit     chan struct{}
}

// ValToRune maps a position in [0, 1] to a bar height
func ValToRune(frac float64) rune {
	switch {
	case frac != frac: // NaN
		return ' '
	case frac < 0.125:
		return '▁'
	case frac < 0.25:
		return '▂'
	case frac < 0.375:
		return '▃'
	case frac < 0.5:
		return '▄'
	case frac < 0.625:
		return '▅'
	case frac < 0.75:
		return '▆'
	case frac < 0.875:
		return '▇'
	default:
		return '█'
	}
}

// Sparkline renders the newest width filtered samples scaled between
// the critical thresholds, oldest on the left
func Sparkline(samples []Tt.Sample, width int, th Tt.Threshold) []rune {
	line := make([]rune, width)
	for i := range line {
		line[i] = ' '
	}
	if len(samples) > width {
		samples = samples[len(samples)-width:]
	}

	lo, hi := th.LowCrit, th.HighCrit
	span := hi - lo
	offset := width - len(samples)
	for i, s := range samples {
		frac := 0.5
		if span > 0 {
			frac = (s.Filtered - lo) / span
		}
		line[offset+i] = ValToRune(frac)
	}
	return line
}

// AlarmStyle colours a row by its alarm level
func AlarmStyle(level Tt.AlarmLevel) tcell.Style {
	base := tcell.StyleDefault.Background(tcell.ColorBlack)
	switch level {
	case Tt.Critical:
		return base.Foreground(tcell.ColorRed).Bold(true)
	case Tt.Warning:
		return base.Foreground(tcell.ColorYellow)
	default:
		return base.Foreground(tcell.ColorMediumSeaGreen)
	}
}

// DrawText displays the text string at the given (x1, y1) with box size (x2, y2)
func (v *View) DrawText(x1, y1, x2, y2 int, text string, style tcell.Style) {
	row := y1
	col := x1
	for _, r := range text {
		v.Screen.SetContent(col, row, r, nil, style)
		col++
		if col >= x2 {
			row++
			col = x1
		}
		if row > y2 {
			break
		}
	}
}

// DrawViewBorder displays the outline of the View
func (v *View) DrawViewBorder(width, height int) {
	style := tcell.StyleDefault.Background(tcell.ColorBlack).Foreground(tcell.ColorLightSteelBlue)
	v.Screen.SetContent(0, 0, tcell.RuneULCorner, nil, style)
	v.Screen.SetContent(width, 0, tcell.RuneURCorner, nil, style)
	v.Screen.SetContent(0, height, tcell.RuneLLCorner, nil, style)
	v.Screen.SetContent(width, height, tcell.RuneLRCorner, nil, style)
	for i := 1; i < width; i++ {
		v.Screen.SetContent(i, 0, tcell.RuneHLine, nil, style)
		v.Screen.SetContent(i, height, tcell.RuneHLine, nil, style)
	}
	for i := 1; i < height; i++ {
		v.Screen.SetContent(0, i, tcell.RuneVLine, nil, style)
		v.Screen.SetContent(width, i, tcell.RuneVLine, nil, style)
	}
}

// StatusLine is the header text
func (v *View) StatusLine() string {
	st := v.Sup.Status()
	logging := "off"
	if path := v.Sup.Logger.Path(); path != "" {
		logging = path
	}
	return fmt.Sprintf(" tessitura | %s | pkts %d | errs %d | drop %d | log %s ",
		st.StateName, st.Packets, st.DecodeErrors, st.Dropped, logging)
}

// FormatValue uses the parameter's decimals, three when unset
func FormatValue(val float64, decimals int) string {
	if decimals <= 0 {
		decimals = 3
	}
	return strconv.FormatFloat(val, 'f', decimals, 64)
}

// DrawReadout draws the header and one row per parameter
func (v *View) DrawReadout() {
	width, height := v.Screen.Size()
	v.DrawViewBorder(width-1, height-1)

	header := tcell.StyleDefault.Background(tcell.ColorBlack).Foreground(tcell.ColorPink)
	v.DrawText(2, 1, width-2, 1, v.StatusLine(), header)

	v.MU.Lock()
	selected := v.Selected
	v.MU.Unlock()

	params := v.Sup.Registry.Snapshot().Parameters()
	for i, p := range params {
		y := screenGutter + i
		if y >= height-1 {
			break
		}

		level := v.Sup.Dispatcher.Alarm(p.ID)
		style := AlarmStyle(level)
		if i == selected {
			style = style.Reverse(true)
		}

		raw, filtered := "-", "-"
		if s, ok := v.Sup.Store.Latest(p.ID); ok {
			raw = FormatValue(s.Raw, p.Decimals)
			filtered = FormatValue(s.Filtered, p.Decimals)
		}
		row := fmt.Sprintf("%-12.12s %-16.16s %10s %10s %-6.6s ", p.ID, p.Name, raw, filtered, p.Unit)
		v.DrawText(2, y, width-2, y, row, style)

		spark := Sparkline(v.Sup.Store.Window(p.ID), sparkWidth, p.Threshold)
		x := 2 + len([]rune(row))
		for j, r := range spark {
			if x+j >= width-2 {
				break
			}
			v.Screen.SetContent(x+j, y, r, nil, AlarmStyle(level))
		}
	}
}

// Exit cleanly
func (v *View) exit() {
	v.MU.Lock()
	defer v.MU.Unlock()
	select {
	case <-v.quit:
	default:
		close(v.quit)
	}
}

// HandleKey applies one key press, false means quit
func (v *View) HandleKey(ev *tcell.EventKey) bool {
	switch ev.Key() {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		return false
	case tcell.KeyUp:
		v.MU.Lock()
		if v.Selected > 0 {
			v.Selected--
		}
		v.MU.Unlock()
	case tcell.KeyDown:
		v.MU.Lock()
		if v.Selected < v.Sup.Registry.Snapshot().Len()-1 {
			v.Selected++
		}
		v.MU.Unlock()
	}

	switch ev.Rune() {
	case 'p':
		v.Sup.TogglePause()
	case 'l':
		if v.Sup.Logger.Active() {
			if err := v.Sup.StopLogging(); err != nil {
				slog.Error("Could not stop data logging", slog.Any("Error", err))
			}
		} else if err := v.Sup.StartLogging(); err != nil {
			slog.Error("Could not start data logging", slog.Any("Error", err))
		}
	}
	return true
}

// Running Loop to handle events
func (v *View) handleKeyBoardEvent() {
	for {
		ev := v.Screen.PollEvent()
		switch ev := ev.(type) {
		case nil:
			return // screen finalized
		case *tcell.EventResize:
			v.ResizeScreen()
		case *tcell.EventKey:
			if !v.HandleKey(ev) {
				v.exit()
				return
			}
		}
	}
}

// ResizeScreen redraws after terminal changes
func (v *View) ResizeScreen() {
	v.Screen.Sync()
	v.UpdateScreen()
}

func (v *View) UpdateScreen() {
	if v.Screen == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic in draw", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()
	v.Screen.Clear()
	v.DrawReadout()
	v.Screen.Show()
}

// RespWriter is a wrapper with StatsMiddleware, used for Prometheus
type RespWriter struct {
	http.ResponseWriter
	Status int
}

// WriteHeader is a helper for StatsMiddleware, used for Prometheus
func (w *RespWriter) WriteHeader(status int) {
	w.Status = status
	w.ResponseWriter.WriteHeader(status)
}

// Write is a helper for StatsMiddleware, used for Prometheus
func (w *RespWriter) Write(b []byte) (int, error) {
	return w.ResponseWriter.Write(b)
}

func (v *View) StatsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &RespWriter{
			ResponseWriter: w,
			Status:         200,
		}
		next.ServeHTTP(wrapped, r)
		v.Stats.RecWWW(strconv.Itoa(wrapped.Status), r.Method)
	})
}

// NewView wires a view to a pipeline, screen may be nil
func NewView(sup *Supervisor, screen tcell.Screen) (*View, error) {
	if sup == nil {
		return nil, errors.New("pipeline not found")
	}
	stats := sup.Stats
	if stats == nil {
		stats = To.NewStatsInternal()
		sup.Stats = stats
	}

	view := &View{
		Sup:    sup,
		Screen: screen,
		Stats:  stats,
		quit:   make(chan struct{}),
	}
	sup.Consumer.OnFrame = view.UpdateScreen
	return view, nil
}

// serve runs the API server until ctx ends
func (v *View) serve(ctx context.Context, addr string) {
	v.server = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(v.SetupMux(), "tessitura"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("Starting tessitura API endpoint...", slog.String("Addr", addr))
		if err := v.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Could not start API endpoint", slog.Any("Error", err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		v.server.Shutdown(shutdownCtx)
	}()
}

// startPipeline builds and starts the supervisor for a config
func startPipeline(ctx context.Context, cfg Ts.Config) (*Supervisor, error) {
	sup, err := NewSupervisor(cfg, To.NewStatsInternal())
	if err != nil {
		slog.Error("Failed to build pipeline", slog.Any("Error", err))
		return nil, err
	}
	if err := sup.OpenOutputs(); err != nil {
		slog.Error("Failed to open outputs", slog.Any("Error", err))
		sup.Close()
		return nil, err
	}
	if err := sup.Start(ctx); err != nil {
		sup.Close()
		return nil, err
	}
	return sup, nil
}

// StartTUI is called by main to run the program with the terminal readout.
// This also starts up the API and /metrics endpoint.
func StartTUI(ctx context.Context, cfg Ts.Config, addr string) error {
	screen, err := GetTTY()
	if err != nil {
		slog.Error("Could not get screen", slog.Any("Error", err))
		return err
	}
	defer screen.Fini()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sup, err := startPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer sup.Close()

	view, err := NewView(sup, screen)
	if err != nil {
		return err
	}
	view.serve(ctx, addr)
	view.UpdateScreen()

	go view.handleKeyBoardEvent()

	select {
	case <-view.quit:
	case <-ctx.Done():
	}
	return nil
}

// StartWebNoTUI runs the pipeline and the API without a terminal
func StartWebNoTUI(ctx context.Context, cfg Ts.Config, addr string) error {
	sup, err := startPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer sup.Close()

	view, err := NewView(sup, nil)
	if err != nil {
		return err
	}
	view.serve(ctx, addr)

	<-ctx.Done()
	return nil
}
