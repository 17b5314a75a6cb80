package tessitura

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	Tp "github.com/maroda/tessitura/plugin"
	Ts "github.com/maroda/tessitura/server"
	Tt "github.com/maroda/tessitura/types"
)

// SetupMux handles all data serving:
// - Prometheus metric endpoint
// - Websocket sample stream
// - Version for programmatic use
// - Registry, filter chains, history and control under /api
func (v *View) SetupMux() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/metrics", v.Stats.Handler())
	r.HandleFunc("/ws", v.WebsocketHandler)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(v.StatsMiddleware)

	api.HandleFunc("/version", v.VersionHandler).Methods(http.MethodGet)
	api.HandleFunc("/status", v.StatusHandler).Methods(http.MethodGet)

	api.HandleFunc("/parameters", v.ListParametersHandler).Methods(http.MethodGet)
	api.HandleFunc("/parameters", v.AddParameterHandler).Methods(http.MethodPost)
	api.HandleFunc("/parameters/{id}", v.EditParameterHandler).Methods(http.MethodPut)
	api.HandleFunc("/parameters/{id}", v.RemoveParameterHandler).Methods(http.MethodDelete)
	api.HandleFunc("/parameters/{id}/latest", v.LatestHandler).Methods(http.MethodGet)
	api.HandleFunc("/parameters/{id}/history", v.HistoryHandler).Methods(http.MethodGet)
	api.HandleFunc("/parameters/{id}/filters", v.GetFiltersHandler).Methods(http.MethodGet)
	api.HandleFunc("/parameters/{id}/filters", v.SetFiltersHandler).Methods(http.MethodPut)

	api.HandleFunc("/engine/{action:pause|resume}", v.EngineHandler).Methods(http.MethodPost)
	api.HandleFunc("/logger/{action:start|stop}", v.LoggerHandler).Methods(http.MethodPost)
	api.HandleFunc("/archive/{id}", v.ArchiveHandler).Methods(http.MethodGet)

	return r
}

var Version = "dev"

func (v *View) VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

// StatusView is the engine status plus the pipeline around it
type StatusView struct {
	Ts.Status
	Paused     bool   `json:"paused"`
	Logging    bool   `json:"logging"`
	LogPath    string `json:"log_path,omitempty"`
	Parameters int    `json:"parameters"`
}

func (v *View) StatusHandler(w http.ResponseWriter, r *http.Request) {
	st := v.Sup.Status()
	writeJSON(w, http.StatusOK, StatusView{
		Status:     st,
		Paused:     st.State == Ts.Paused,
		Logging:    v.Sup.Logger.Active(),
		LogPath:    v.Sup.Logger.Path(),
		Parameters: v.Sup.Registry.Snapshot().Len(),
	})
}

// ListParametersHandler returns every parameter with its current chain
func (v *View) ListParametersHandler(w http.ResponseWriter, r *http.Request) {
	params := v.Sup.Registry.List()
	out := make([]Ts.ParameterConfig, 0, len(params))
	for _, p := range params {
		out = append(out, Ts.ParameterConfig{
			Parameter: p,
			Filters:   v.Sup.Chains.Get(p.ID).Config(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (v *View) AddParameterHandler(w http.ResponseWriter, r *http.Request) {
	var pc Ts.ParameterConfig
	if err := json.NewDecoder(r.Body).Decode(&pc); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := v.Sup.AddParameter(pc); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	slog.Info("Parameter added", slog.String("id", pc.ID))
	writeJSON(w, http.StatusCreated, pc.Parameter)
}

// EditParameterHandler replaces everything but the id
func (v *View) EditParameterHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var p Ts.Parameter
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := v.Sup.Registry.Edit(id, p); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	updated, _ := v.Sup.Registry.Get(id)
	writeJSON(w, http.StatusOK, updated)
}

func (v *View) RemoveParameterHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := v.Sup.Registry.Remove(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	slog.Info("Parameter removed", slog.String("id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (v *View) LatestHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := v.knownParameter(w, r)
	if !ok {
		return
	}
	sample, ok := v.Sup.Store.Latest(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no samples yet"))
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

// HistoryHandler returns the history window, oldest first
func (v *View) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := v.knownParameter(w, r)
	if !ok {
		return
	}
	window := v.Sup.Store.Window(id)
	if window == nil {
		window = []Tt.Sample{}
	}
	writeJSON(w, http.StatusOK, window)
}

func (v *View) GetFiltersHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := v.knownParameter(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, v.Sup.Chains.Get(id).Config())
}

// SetFiltersHandler replaces the chain, filter state restarts
func (v *View) SetFiltersHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var fcs []Tp.FilterConfig
	if err := json.NewDecoder(r.Body).Decode(&fcs); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := v.Sup.SetFilters(id, fcs); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, v.Sup.Chains.Get(id).Config())
}

func (v *View) EngineHandler(w http.ResponseWriter, r *http.Request) {
	switch mux.Vars(r)["action"] {
	case "pause":
		v.Sup.Pause()
	case "resume":
		v.Sup.Resume()
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"paused": v.Sup.Paused()})
}

func (v *View) LoggerHandler(w http.ResponseWriter, r *http.Request) {
	var err error
	switch mux.Vars(r)["action"] {
	case "start":
		err = v.Sup.StartLogging()
	case "stop":
		err = v.Sup.StopLogging()
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logging": v.Sup.Logger.Active(),
		"path":    v.Sup.Logger.Path(),
	})
}

// ArchiveHandler reads [from, to) from the archive, RFC 3339 bounds.
// from defaults to the last hour, to defaults to now.
func (v *View) ArchiveHandler(w http.ResponseWriter, r *http.Request) {
	if v.Sup.Archive == nil {
		writeError(w, http.StatusNotFound, errors.New("archive disabled"))
		return
	}
	id := mux.Vars(r)["id"]

	end := time.Now()
	start := end.Add(-time.Hour)
	q := r.URL.Query()
	if s := q.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		start = t
	}
	if s := q.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		end = t
	}

	samples, err := v.Sup.Archive.QueryRange(id, start, end)
	if err != nil {
		slog.Error("Archive query failed", slog.String("id", id), slog.Any("Error", err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if samples == nil {
		samples = []*Tp.ArchivedSample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

// knownParameter writes a 404 when the path names no parameter
func (v *View) knownParameter(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if _, ok := v.Sup.Registry.Get(id); !ok {
		writeError(w, http.StatusNotFound, &Ts.RegistryError{Op: "get", ID: id, Err: Ts.ErrNotFound})
		return id, false
	}
	return id, true
}

// statusFor maps pipeline errors onto HTTP codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, Ts.ErrNotFound), errors.Is(err, Tp.ErrFilterNotFound):
		return http.StatusNotFound
	case errors.Is(err, Ts.ErrDuplicateID), errors.Is(err, Ts.ErrLoggerActive):
		return http.StatusConflict
	case errors.Is(err, Ts.ErrInvalidID),
		errors.Is(err, Ts.ErrInvalidIndex),
		errors.Is(err, Ts.ErrInvalidThreshold),
		errors.Is(err, Tp.ErrInvalidFilter),
		errors.Is(err, Tp.ErrDuplicateFilter),
		errors.Is(err, Ts.ErrLoggerConfig),
		errors.Is(err, Ts.ErrUnknownLogItem):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("Response write failed", slog.Any("Error", err))
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
