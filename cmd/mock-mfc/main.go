// mock-mfc is a propar slave that emulates a chain of Bronkhorst mass
// flow controllers on a Unix socket. It answers the same read and
// write requests the host sends to real hardware, with first-order
// flow dynamics, so the full stack can be exercised without a gas
// bench.
//
// Usage:
//
//	mock-mfc -config ~/pyhorst.cfg [-socket /tmp/mock-mfc.sock]
//
// The instrument chain is taken from the config file's [instrument N]
// sections. Point pyhorst-go at the same socket:
//
//	pyhorst-go -config ~/pyhorst.cfg -socket /tmp/mock-mfc.sock
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"pyhorst-go-migration/pkg/config"
	"pyhorst-go-migration/pkg/instrument"
	"pyhorst-go-migration/pkg/log"
	"pyhorst-go-migration/pkg/propar"
)

// slave serves propar requests against a simulated instrument chain.
type slave struct {
	sim    *instrument.Sim
	specs  map[int]instrument.Spec
	logger *log.Logger
}

func newSlave(specs []instrument.Spec, logger *log.Logger) *slave {
	byAddr := make(map[int]instrument.Spec, len(specs))
	for _, spec := range specs {
		byAddr[spec.Address] = spec
	}
	return &slave{
		sim:    instrument.NewSim(instrument.DefaultSimConfig(), specs...),
		specs:  byAddr,
		logger: logger,
	}
}

// handle produces the reply frame for one request, or nil for
// requests addressed to nodes not on the chain (a real chain would
// stay silent and let the master time out).
func (s *slave) handle(req propar.Frame) *propar.Frame {
	spec, ok := s.specs[int(req.Node)]
	if !ok {
		s.logger.Debugf("request for unknown node %d", req.Node)
		return nil
	}

	switch req.Command {
	case propar.CmdRead:
		process, _, index, err := propar.ParseReadRequest(req)
		if err != nil {
			s.logger.Warnf("node %d: bad read request: %v", req.Node, err)
			reply := propar.StatusReply(req.Node, propar.StatusCommandError)
			return &reply
		}
		return s.handleRead(req.Node, spec, process, index)

	case propar.CmdWrite:
		process, index, value, err := propar.ParseWriteInt16Request(req)
		if err != nil {
			s.logger.Warnf("node %d: bad write request: %v", req.Node, err)
			reply := propar.StatusReply(req.Node, propar.StatusCommandError)
			return &reply
		}
		return s.handleWrite(req.Node, spec, process, index, value)
	}

	s.logger.Warnf("node %d: unsupported command 0x%02x", req.Node, req.Command)
	reply := propar.StatusReply(req.Node, propar.StatusCommandError)
	return &reply
}

func (s *slave) handleRead(node byte, spec instrument.Spec, process, index byte) *propar.Frame {
	addr := int(node)
	var reply propar.Frame

	switch {
	case process == propar.ProcessMeasure && index == propar.ParamFMeasure:
		flow, _ := s.sim.ReadFlow(addr)
		reply = propar.AnswerFloat(node, process, index, flow)
	case process == propar.ProcessMeasure && index == propar.ParamValve:
		valve, _ := s.sim.ReadValve(addr)
		reply = propar.AnswerFloat(node, process, index, valve)
	case process == propar.ProcessMeasure && index == propar.ParamTemperature:
		temp, _ := s.sim.ReadTemperature(addr)
		reply = propar.AnswerFloat(node, process, index, temp)
	case process == propar.ProcessSetup && index == propar.ParamCapacityUnit:
		reply = propar.AnswerString(node, process, index, spec.Unit)
	default:
		s.logger.Warnf("node %d: read of unknown parameter %d/%d", node, process, index)
		reply = propar.StatusReply(node, propar.StatusParameterError)
	}
	return &reply
}

func (s *slave) handleWrite(node byte, spec instrument.Spec, process, index byte, value uint16) *propar.Frame {
	var reply propar.Frame
	if process != propar.ProcessSetup || index != propar.ParamSetpoint {
		s.logger.Warnf("node %d: write to unknown parameter %d/%d", node, process, index)
		reply = propar.StatusReply(node, propar.StatusParameterError)
		return &reply
	}
	if value > propar.SetpointFullScale {
		reply = propar.StatusReply(node, propar.StatusParameterError)
		return &reply
	}

	flow := float64(value) / propar.SetpointFullScale * spec.FullScale
	if err := s.sim.WriteSetpoint(int(node), flow); err != nil {
		reply = propar.StatusReply(node, propar.StatusParameterError)
		return &reply
	}
	s.logger.Infof("node %d: setpoint %d counts (%.4f %s)", node, value, flow, spec.Unit)
	reply = propar.StatusReply(node, propar.StatusOK)
	return &reply
}

// serve handles one master connection until it disconnects.
func (s *slave) serve(conn net.Conn) {
	defer conn.Close()
	s.logger.Infof("master connected")
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			s.logger.Infof("master disconnected: %v", err)
			return
		}
		req, err := propar.DecodeFrame(line)
		if err != nil {
			s.logger.Warnf("undecodable frame: %v", err)
			continue
		}
		reply := s.handle(req)
		if reply == nil {
			continue
		}
		if _, err := conn.Write(reply.Encode()); err != nil {
			s.logger.Warnf("write failed: %v", err)
			return
		}
	}
}

func main() {
	configFile := flag.String("config", "", "Host configuration file (required)")
	socketPath := flag.String("socket", "/tmp/mock-mfc.sock", "Unix socket to listen on")
	verbose := flag.Bool("v", false, "Enable debug logging")

	flag.Parse()

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}

	logger := log.New("mock-mfc")
	if *verbose {
		logger.SetLevel(log.DEBUG)
	}

	h, err := config.LoadHost(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	s := newSlave(h.Instruments, logger)
	for _, spec := range h.Instruments {
		logger.Infof("emulating node %d (%s): full_scale=%g %s",
			spec.Address, spec.Name, spec.FullScale, spec.Unit)
	}

	// Stale socket from a previous run
	os.Remove(*socketPath)
	ln, err := net.Listen("unix", *socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listening on %s: %v\n", *socketPath, err)
		os.Exit(1)
	}
	logger.Infof("listening on %s", *socketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infof("shutting down")
		ln.Close()
		os.Remove(*socketPath)
		os.Exit(0)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Errorf("accept: %v", err)
			return
		}
		go s.serve(conn)
	}
}
