// HTTP/websocket status API
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package status provides the host's HTTP and websocket API: instrument
// state, run control and live telemetry streaming for operator
// frontends.
package status

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"pyhorst-go-migration/pkg/calibration"
	"pyhorst-go-migration/pkg/instrument"
	"pyhorst-go-migration/pkg/log"
	"pyhorst-go-migration/pkg/metrics"
	"pyhorst-go-migration/pkg/mixing"
	"pyhorst-go-migration/pkg/telemetry"
)

// Version reported by the API
const Version = "pyhorst-go-0.1.0"

// Server exposes the host over HTTP and websocket.
type Server struct {
	scheduler *calibration.Scheduler
	sampler   *telemetry.Sampler
	catalog   *instrument.Catalog
	gate      *instrument.CommandGate
	registry  *metrics.Registry
	logger    *log.Logger

	// defaults seed run parameters; an API request overrides fields
	defaults calibration.Params

	httpServer *http.Server
	addr       string

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*wsClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	running   atomic.Bool
	startTime time.Time
}

// Config holds server configuration.
type Config struct {
	// Addr is the HTTP listen address (e.g. "127.0.0.1:7125")
	Addr string

	// RunDefaults seeds run parameters for API-started runs
	RunDefaults calibration.Params
}

// New creates a status server.
func New(cfg Config, scheduler *calibration.Scheduler, sampler *telemetry.Sampler,
	catalog *instrument.Catalog, gate *instrument.CommandGate,
	registry *metrics.Registry, logger *log.Logger) *Server {
	s := &Server{
		scheduler: scheduler,
		sampler:   sampler,
		catalog:   catalog,
		gate:      gate,
		registry:  registry,
		logger:    logger,
		defaults:  cfg.RunDefaults,
		addr:      cfg.Addr,
		wsClients: make(map[int64]*wsClient),
		startTime: time.Now(),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// Handler builds the server's HTTP routing. Exposed separately from
// Start so tests can drive it without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/server/info", s.handleServerInfo)
	mux.HandleFunc("/instruments", s.handleInstruments)
	mux.HandleFunc("/run/status", s.handleRunStatus)
	mux.HandleFunc("/run/start", s.handleRunStart)
	mux.HandleFunc("/run/plan", s.handleRunPlan)
	mux.HandleFunc("/run/stop", s.handleRunStop)
	mux.HandleFunc("/telemetry/history", s.handleTelemetryHistory)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/websocket", s.handleWebSocket)

	return s.corsMiddleware(mux)
}

// Start runs the API server until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	s.running.Store(true)
	s.logger.Infof("status API listening on %s", s.addr)

	go s.sampleBroadcastLoop()
	go s.eventBroadcastLoop()

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops the API server and disconnects clients.
func (s *Server) Stop() error {
	s.running.Store(false)

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.close()
	}
	s.wsClients = make(map[int64]*wsClient)
	s.wsClientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// InstrumentStatus is one instrument's live state in API responses
type InstrumentStatus struct {
	Address     int     `json:"address"`
	Name        string  `json:"name"`
	Role        string  `json:"role"`
	MinFlow     float64 `json:"min_flow"`
	MaxFlow     float64 `json:"max_flow"`
	FullScale   float64 `json:"full_scale"`
	Unit        string  `json:"unit"`
	Setpoint    float64 `json:"setpoint"`
	Flow        float64 `json:"flow"`
	Valve       float64 `json:"valve"`
	Temperature float64 `json:"temperature"`
	Online      bool    `json:"online"`
}

func (s *Server) instrumentStatuses() []InstrumentStatus {
	readings := s.sampler.Readings()
	specs := s.catalog.All()
	out := make([]InstrumentStatus, 0, len(specs))
	for _, spec := range specs {
		st := InstrumentStatus{
			Address:   spec.Address,
			Name:      spec.Name,
			Role:      spec.Role.String(),
			MinFlow:   spec.MinFlow,
			MaxFlow:   spec.MaxFlow,
			FullScale: spec.FullScale,
			Unit:      spec.Unit,
			Setpoint:  s.gate.Setpoint(spec.Address),
		}
		if r, ok := readings[spec.Address]; ok {
			st.Flow = r.Flow
			st.Valve = r.Valve
			st.Temperature = r.Temperature
			st.Online = r.HasFlow
		}
		out = append(out, st)
	}
	return out
}

// RunRequest overrides the configured run defaults per API-started run.
// Nil/absent fields keep the default.
type RunRequest struct {
	Mode               string    `json:"mode,omitempty"`
	Steps              *int      `json:"steps,omitempty"`
	InitialPPM         *float64  `json:"initial_ppm,omitempty"`
	FinalPPM           *float64  `json:"final_ppm,omitempty"`
	ManualTargets      []float64 `json:"manual_targets,omitempty"`
	StepDurationS      *float64  `json:"step_duration_s,omitempty"`
	BackAndForth       *bool     `json:"back_and_forth,omitempty"`
	VariableInstrument *int      `json:"variable_instrument,omitempty"`
}

func (s *Server) buildParams(req RunRequest) (calibration.Params, error) {
	p := s.defaults

	if req.Mode != "" {
		mode, err := calibration.ParseStepMode(req.Mode)
		if err != nil {
			return p, err
		}
		p.Mode = mode
	}
	if req.Steps != nil {
		p.StepCount = *req.Steps
	}
	if req.InitialPPM != nil {
		p.InitialPPM = *req.InitialPPM
	}
	if req.FinalPPM != nil {
		p.FinalPPM = *req.FinalPPM
	}
	if len(req.ManualTargets) > 0 {
		p.ManualTargets = req.ManualTargets
	}
	if req.StepDurationS != nil {
		p.StepDuration = time.Duration(*req.StepDurationS * float64(time.Second))
	}
	if req.BackAndForth != nil {
		p.BackAndForth = *req.BackAndForth
	}
	if req.VariableInstrument != nil {
		if *req.VariableInstrument == 0 {
			p.Binding = instrument.Automatic()
		} else {
			p.Binding = instrument.Fixed(*req.VariableInstrument)
		}
	}
	return p, nil
}

// REST handlers

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	run := s.scheduler.Status()
	s.wsClientMu.RLock()
	clients := len(s.wsClients)
	s.wsClientMu.RUnlock()

	s.writeJSON(w, map[string]any{"result": map[string]any{
		"hostname":         hostname,
		"version":          Version,
		"run_state":        run.State,
		"instrument_count": s.catalog.Len(),
		"websocket_count":  clients,
		"uptime_s":         time.Since(s.startTime).Seconds(),
	}})
}

func (s *Server) handleInstruments(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"result": map[string]any{
		"instruments": s.instrumentStatuses(),
	}})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"result": s.scheduler.Status()})
}

func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req RunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSONError(w, fmt.Errorf("invalid run request: %w", err))
			return
		}
	}
	params, err := s.buildParams(req)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	if err := s.scheduler.Start(params); err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": s.scheduler.Status()})
}

func (s *Server) handleRunStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.scheduler.Stop(); err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": s.scheduler.Status()})
}

// planStepJSON is one previewed step: the commanded flows and the
// expected measurement uncertainty, or the reason the step would be
// skipped.
type planStepJSON struct {
	Step         int     `json:"step"`
	TargetPPM    float64 `json:"target_ppm"`
	BaseFlow     float64 `json:"base_flow,omitempty"`
	VariableFlow float64 `json:"variable_flow,omitempty"`
	VariableAddr int     `json:"variable_address,omitempty"`
	UncertaintyC float64 `json:"uncertainty_ppm,omitempty"`
	Expected     string  `json:"expected,omitempty"`
	Skip         string  `json:"skip,omitempty"`
}

// planSteps previews a run without touching hardware: same solve and
// instrument selection the scheduler performs, per step.
func (s *Server) planSteps(p calibration.Params) ([]planStepJSON, error) {
	steps, err := calibration.BuildSteps(p)
	if err != nil {
		return nil, err
	}
	baseSpec, err := s.catalog.Get(p.BaseAddr)
	if err != nil {
		return nil, err
	}

	out := make([]planStepJSON, 0, len(steps))
	for _, step := range steps {
		entry := planStepJSON{Step: step.Index, TargetPPM: step.TargetPPM}

		sol, err := mixing.Solve(step.TargetPPM, p.C1PPM, p.C2PPM, p.MaxFlow)
		if err != nil {
			entry.Skip = err.Error()
			out = append(out, entry)
			continue
		}
		varAddr, fixed := p.Binding.FixedAddress()
		if !fixed {
			varAddr, err = instrument.Select(sol.Q2, s.catalog)
			if err != nil {
				entry.Skip = err.Error()
				out = append(out, entry)
				continue
			}
		}
		varSpec, err := s.catalog.Get(varAddr)
		if err != nil {
			entry.Skip = err.Error()
			out = append(out, entry)
			continue
		}

		// The solver works in the base instrument's display unit;
		// bring both full-scale ratings into it for the propagation.
		bs, vs := baseSpec, varSpec
		bs.FullScale = telemetry.NormalizeFlow(bs.FullScale, bs.Unit, baseSpec.Unit)
		vs.FullScale = telemetry.NormalizeFlow(vs.FullScale, vs.Unit, baseSpec.Unit)
		u := mixing.Propagate(p.C1PPM, sol.Q1, p.C2PPM, sol.Q2, bs, vs)

		entry.BaseFlow = sol.Q1
		entry.VariableFlow = sol.Q2
		entry.VariableAddr = varAddr
		entry.UncertaintyC = u.UC
		entry.Expected = mixing.FormatUncertainty(u.Expected, u.UC, "ppm")
		out = append(out, entry)
	}
	return out, nil
}

// handleRunPlan previews the step table a run request would produce.
func (s *Server) handleRunPlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req RunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSONError(w, fmt.Errorf("invalid run request: %w", err))
			return
		}
	}
	p, err := s.buildParams(req)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	plan, err := s.planSteps(p)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": map[string]any{"steps": plan}})
}

type sampleJSON struct {
	Time          string  `json:"time"`
	BaseAddr      int     `json:"base_address"`
	VariableAddr  int     `json:"variable_address"`
	BaseFlow      float64 `json:"base_flow"`
	VariableFlow  float64 `json:"variable_flow"`
	Concentration float64 `json:"concentration_ppm"`
	Uncertainty   float64 `json:"uncertainty_ppm"`
}

func sampleToJSON(sample telemetry.Sample) sampleJSON {
	return sampleJSON{
		Time:          sample.Time.Format(time.RFC3339Nano),
		BaseAddr:      sample.BaseAddr,
		VariableAddr:  sample.VariableAddr,
		BaseFlow:      sample.BaseFlow,
		VariableFlow:  sample.VariableFlow,
		Concentration: sample.Concentration,
		Uncertainty:   sample.Uncertainty,
	}
}

func (s *Server) handleTelemetryHistory(w http.ResponseWriter, r *http.Request) {
	history := s.sampler.History()
	samples := make([]sampleJSON, len(history))
	for i, sample := range history {
		samples[i] = sampleToJSON(sample)
	}
	s.writeJSON(w, map[string]any{"result": map[string]any{
		"samples": samples,
	}})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprint(w, s.registry.Export())
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": err.Error()},
	})
}
