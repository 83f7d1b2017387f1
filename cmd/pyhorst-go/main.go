// pyhorst-go is the gas mixing calibration host. It speaks the propar
// protocol to Bronkhorst mass flow controllers over RS-232, runs
// stepped calibration sequences, and serves run control and telemetry
// over HTTP and websocket.
//
// Usage:
//
//	pyhorst-go -config ~/pyhorst.cfg [options]
//
// Options:
//
//	-config string   Host configuration file (required)
//	-logfile string  Log file path (default: stderr)
//	-loglevel string Log level: debug, info, warn, error
//	-sim             Use the built-in instrument simulator regardless of config
//	-socket string   Connect to a propar slave on a Unix socket (e.g. mock-mfc)
//
// Examples:
//
//	# Run against real hardware
//	pyhorst-go -config ~/pyhorst.cfg
//
//	# Run fully simulated, no serial port needed
//	pyhorst-go -config ~/pyhorst.cfg -sim
//
//	# Run against the mock-mfc propar slave
//	pyhorst-go -config ~/pyhorst.cfg -socket /tmp/mock-mfc.sock
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pyhorst-go-migration/pkg/calibration"
	"pyhorst-go-migration/pkg/config"
	"pyhorst-go-migration/pkg/instrument"
	"pyhorst-go-migration/pkg/log"
	"pyhorst-go-migration/pkg/metrics"
	"pyhorst-go-migration/pkg/propar"
	"pyhorst-go-migration/pkg/reactor"
	"pyhorst-go-migration/pkg/serial"
	"pyhorst-go-migration/pkg/status"
	"pyhorst-go-migration/pkg/telemetry"
)

func main() {
	configFile := flag.String("config", "", "Host configuration file (required)")
	logFile := flag.String("logfile", "", "Log file path (default: stderr)")
	logLevel := flag.String("loglevel", "", "Log level: debug, info, warn, error (overrides config)")
	sim := flag.Bool("sim", false, "Use the built-in instrument simulator")
	socketPath := flag.String("socket", "", "Connect to a propar slave on a Unix socket")

	flag.Parse()

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}

	h, err := config.LoadHost(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New("pyhorst")
	if *logFile == "" {
		*logFile = h.Log.File
	}
	if *logFile != "" {
		f, err := log.OpenLogFile(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logger.SetWriter(f)
		logger.SetColorize(false)
	}
	level := h.Log.Level
	if *logLevel != "" {
		level = *logLevel
	}
	logger.SetLevel(log.ParseLevel(level))

	logger.Infof("pyhorst-go starting (config %s)", *configFile)

	catalog := instrument.NewCatalog()
	for _, spec := range h.Instruments {
		if err := catalog.Add(spec); err != nil {
			logger.Errorf("instrument %d: %v", spec.Address, err)
			os.Exit(1)
		}
		logger.Infof("instrument %d (%s): role=%s max_flow=%g %s",
			spec.Address, spec.Name, spec.Role, spec.MaxFlow, spec.Unit)
	}
	baseAddr, ok := catalog.BaseAddress()
	if !ok {
		logger.Errorf("no base instrument configured")
		os.Exit(1)
	}

	// Pick the instrument transport: simulator, propar over a Unix
	// socket, or propar over the serial bus.
	var iface instrument.Interface
	var port *serial.Port
	simulate := *sim || (h.Connection.Simulate && *socketPath == "")
	switch {
	case simulate:
		logger.Infof("using simulated instruments")
		iface = instrument.NewSim(instrument.DefaultSimConfig(), h.Instruments...)
	case *socketPath != "":
		logger.Infof("connecting to propar slave at %s", *socketPath)
		port, err = serial.OpenSocket(*socketPath, 10*time.Second)
		if err != nil {
			logger.Errorf("socket connect failed: %v", err)
			os.Exit(1)
		}
		iface = propar.NewBus(propar.NewClient(port), catalog, logger.Component("propar"))
	default:
		logger.Infof("opening %s at %d baud", h.Connection.Port, h.Connection.Baud)
		port, err = serial.Open(serial.Config{
			Device:   h.Connection.Port,
			BaudRate: h.Connection.Baud,
		})
		if err != nil {
			logger.Errorf("serial open failed: %v", err)
			os.Exit(1)
		}
		iface = propar.NewBus(propar.NewClient(port), catalog, logger.Component("propar"))
	}
	if port != nil {
		defer port.Close()
	}

	// Cross-check configured display units against the instruments'
	// reported capacity units. A mismatch is a config mistake worth a
	// warning, not a startup failure.
	if bus, ok := iface.(*propar.Bus); ok {
		for _, spec := range h.Instruments {
			unit, err := bus.ReadUnit(spec.Address)
			if err != nil {
				logger.Warnf("instrument %d: unit readback failed: %v", spec.Address, err)
				continue
			}
			if unit != spec.Unit {
				logger.Warnf("instrument %d reports unit '%s', config says '%s'",
					spec.Address, unit, spec.Unit)
			}
		}
	}

	registry := metrics.NewRegistry()
	hm := metrics.NewHostMetrics(registry)
	gate := instrument.NewCommandGate(iface)
	rx := reactor.New()

	scheduler := calibration.NewScheduler(rx, gate, catalog, nil, logger.Component("run"), hm)
	scheduler.SetIdleBinding(h.Calibration.VariableBinding())

	sampler := telemetry.New(telemetry.Config{
		Interval:    h.Telemetry.Interval.Seconds(),
		BufferSize:  h.Telemetry.BufferSize,
		C1PPM:       h.Calibration.BasePPM,
		C2PPM:       h.Calibration.VariablePPM,
		DisplayUnit: h.Telemetry.DisplayUnit,
	}, iface, catalog, scheduler, logger.Component("telemetry"), hm)
	scheduler.SetSampler(sampler)
	sampler.Start(rx)

	mode, err := calibration.ParseStepMode(h.Calibration.Mode)
	if err != nil {
		logger.Errorf("calibration config: %v", err)
		os.Exit(1)
	}
	runDefaults := calibration.Params{
		C1PPM:          h.Calibration.BasePPM,
		C2PPM:          h.Calibration.VariablePPM,
		MaxFlow:        h.Calibration.MaxFlow,
		Mode:           mode,
		StepCount:      h.Calibration.Steps,
		InitialPPM:     h.Calibration.InitialPPM,
		FinalPPM:       h.Calibration.FinalPPM,
		ManualTargets:  h.Calibration.ManualSteps,
		StepDuration:   h.Calibration.StepDuration,
		BackAndForth:   h.Calibration.BackAndForth,
		Binding:        h.Calibration.VariableBinding(),
		BaseAddr:       baseAddr,
		OutputDir:      h.Calibration.OutputDir,
		ZeroFlowOnStop: h.Calibration.ZeroFlowOnStop,
	}

	var server *status.Server
	if h.Status.Enabled {
		server = status.New(status.Config{
			Addr:        h.Status.Listen,
			RunDefaults: runDefaults,
		}, scheduler, sampler, catalog, gate, registry, logger.Component("api"))
		go func() {
			if err := server.Start(); err != nil {
				logger.Errorf("status server: %v", err)
			}
		}()
		logger.Infof("status API on http://%s", h.Status.Listen)
	}

	rx.Run()
	logger.Infof("pyhorst-go ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Infof("shutting down")

	// Stop an active run first so the scheduler zeroes flows and
	// closes the run log before the reactor goes away. Stop fails
	// when no run is active, which is fine here.
	if err := scheduler.Stop(); err == nil {
		waitForStop(scheduler, 2*time.Second)
	}
	if server != nil {
		server.Stop()
	}
	rx.End()
	rx.Wait()
	logger.Infof("pyhorst-go stopped")
}

// waitForStop blocks until the scheduler's run reaches a terminal
// state or the timeout expires.
func waitForStop(s *calibration.Scheduler, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !s.Active() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
