// Tests for the calibration scheduler
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package calibration

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"pyhorst-go-migration/pkg/errors"
	"pyhorst-go-migration/pkg/instrument"
	"pyhorst-go-migration/pkg/log"
	"pyhorst-go-migration/pkg/metrics"
	"pyhorst-go-migration/pkg/reactor"
	"pyhorst-go-migration/pkg/telemetry"
)

// fakeMFC echoes commanded setpoints back as measured flows, with
// per-address write failure injection.
type fakeMFC struct {
	mu        sync.Mutex
	setpoints map[int]float64
	failures  map[int]int // remaining write failures per address
}

func newFakeMFC() *fakeMFC {
	return &fakeMFC{
		setpoints: make(map[int]float64),
		failures:  make(map[int]int),
	}
}

func (f *fakeMFC) failWrites(addr, count int) {
	f.mu.Lock()
	f.failures[addr] = count
	f.mu.Unlock()
}

func (f *fakeMFC) WriteSetpoint(addr int, flow float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures[addr] != 0 {
		if f.failures[addr] > 0 {
			f.failures[addr]--
		}
		return fmt.Errorf("write timeout on addr %d", addr)
	}
	f.setpoints[addr] = flow
	return nil
}

func (f *fakeMFC) setpoint(addr int) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setpoints[addr]
}

func (f *fakeMFC) ReadFlow(addr int) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.setpoints[addr]
	return v, ok
}

func (f *fakeMFC) ReadValve(addr int) (float64, bool)       { return 0, true }
func (f *fakeMFC) ReadTemperature(addr int) (float64, bool) { return 21.5, true }

const (
	testBaseAddr  = 20
	testSmallAddr = 8
	testLargeAddr = 5
)

func testCatalog(t *testing.T) *instrument.Catalog {
	t.Helper()
	cat := instrument.NewCatalog()
	specs := []instrument.Spec{
		{Address: testBaseAddr, Name: "base", MaxFlow: 1.5, FullScale: 1.5, Unit: telemetry.UnitLnMin, Role: instrument.RoleBase},
		{Address: testSmallAddr, Name: "small", MaxFlow: 0.010, FullScale: 0.010, Unit: telemetry.UnitLnMin},
		{Address: testLargeAddr, Name: "large", MaxFlow: 0.150, FullScale: 0.150, Unit: telemetry.UnitLnMin},
	}
	for _, spec := range specs {
		if err := cat.Add(spec); err != nil {
			t.Fatalf("catalog add: %v", err)
		}
	}
	return cat
}

type testRig struct {
	mfc       *fakeMFC
	catalog   *instrument.Catalog
	sampler   *telemetry.Sampler
	scheduler *Scheduler
	hm        *metrics.HostMetrics
}

// newTestRig wires a scheduler whose ticks are driven by hand; the
// reactor exists but its dispatch loop never runs.
func newTestRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		mfc:     newFakeMFC(),
		catalog: testCatalog(t),
		hm:      metrics.NewHostMetrics(metrics.NewRegistry()),
	}
	rx := reactor.New()
	logger := log.New("test")
	logger.SetWriter(io.Discard)
	gate := instrument.NewCommandGate(rig.mfc)

	samplerCfg := telemetry.DefaultConfig()
	samplerCfg.C1PPM = 0
	samplerCfg.C2PPM = 5000

	rig.scheduler = NewScheduler(rx, gate, rig.catalog, nil, logger, rig.hm)
	rig.sampler = telemetry.New(samplerCfg, rig.mfc, rig.catalog, rig.scheduler, logger, rig.hm)
	rig.scheduler.SetSampler(rig.sampler)
	return rig
}

func testParams(t *testing.T, targets ...float64) Params {
	t.Helper()
	return Params{
		C1PPM:         0,
		C2PPM:         5000,
		MaxFlow:       1.5,
		Mode:          ModeManual,
		ManualTargets: targets,
		StepDuration:  100 * time.Millisecond,
		Binding:       instrument.Fixed(testLargeAddr),
		BaseAddr:      testBaseAddr,
		OutputDir:     t.TempDir(),
	}
}

func readRunLog(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open run log: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	return records
}

// step drives one tick at the given synthetic event time.
func (r *testRig) step(eventtime float64) float64 {
	return r.scheduler.tick(eventtime)
}

func TestSchedulerCompletesRun(t *testing.T) {
	rig := newTestRig(t)
	p := testParams(t, 100, 200)

	if err := rig.scheduler.Start(p); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Step 0: command, then hold until the duration elapses.
	rig.step(0)
	if got := rig.scheduler.Status().State; got != "waiting" {
		t.Fatalf("state after command = %s, expected waiting", got)
	}
	if sp := rig.mfc.setpoint(testBaseAddr); sp < 1.46 || sp > 1.48 {
		t.Errorf("base setpoint %.4f, expected ~1.47", sp)
	}
	if sp := rig.mfc.setpoint(testLargeAddr); sp < 0.029 || sp > 0.031 {
		t.Errorf("variable setpoint %.4f, expected ~0.03", sp)
	}

	rig.sampler.Poll()
	rig.step(10) // past waitUntil, records and advances
	rig.step(10) // commands step 1
	if got := rig.scheduler.Status().Step; got != 1 {
		t.Fatalf("step index = %d, expected 1", got)
	}
	rig.sampler.Poll()
	next := rig.step(20)
	if next != reactor.NEVER {
		t.Errorf("waketime after final step = %v, expected NEVER", next)
	}

	st := rig.scheduler.Status()
	if st.State != "completed" {
		t.Fatalf("final state = %s, expected completed", st.State)
	}

	records := readRunLog(t, st.LogPath)
	if len(records) != 3 {
		t.Fatalf("run log has %d records, expected header + 2 rows", len(records))
	}
	if records[0][0] != "Step" || records[0][6] != "Timestamp" {
		t.Errorf("header = %v", records[0])
	}
	if records[1][1] != "100.0000" || records[2][1] != "200.0000" {
		t.Errorf("target columns = %v, %v", records[1][1], records[2][1])
	}
	// Actual concentration from echoed flows should match the target.
	if records[1][2] != "100.0000" {
		t.Errorf("actual concentration = %s, expected 100.0000", records[1][2])
	}

	if got := rig.hm.StepsCompleted.Value(); got != 2 {
		t.Errorf("steps completed metric = %v, expected 2", got)
	}
	if got := rig.hm.RunsCompleted.Value(); got != 1 {
		t.Errorf("runs completed metric = %v, expected 1", got)
	}
}

func TestSchedulerStopMidRun(t *testing.T) {
	rig := newTestRig(t)
	p := testParams(t, 100, 200, 300)

	if err := rig.scheduler.Start(p); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rig.step(0) // step 0 commanded
	rig.sampler.Poll()
	rig.step(10) // step 0 recorded
	rig.step(10) // step 1 commanded
	rig.sampler.Poll()

	if err := rig.scheduler.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	next := rig.step(10.1)
	if next != reactor.NEVER {
		t.Errorf("waketime after stop = %v, expected NEVER", next)
	}

	st := rig.scheduler.Status()
	if st.State != "stopped" {
		t.Fatalf("state = %s, expected stopped", st.State)
	}

	// Completed step 0 plus the in-progress step 1 are logged; step 2
	// never ran.
	records := readRunLog(t, st.LogPath)
	if len(records) != 3 {
		t.Fatalf("run log has %d records, expected header + 2 rows", len(records))
	}
	if records[2][0] != "1" {
		t.Errorf("last logged step = %s, expected 1", records[2][0])
	}

	if got := rig.hm.RunsStopped.Value(); got != 1 {
		t.Errorf("runs stopped metric = %v, expected 1", got)
	}
	// Only the fully held step counts as completed.
	if got := rig.hm.StepsCompleted.Value(); got != 1 {
		t.Errorf("steps completed metric = %v, expected 1", got)
	}
}

func TestSchedulerStopDuringRetryRejectsStaleSample(t *testing.T) {
	rig := newTestRig(t)
	p := testParams(t, 100, 200)

	if err := rig.scheduler.Start(p); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rig.step(0) // step 0 commanded
	rig.sampler.Poll()
	rig.step(10) // step 0 recorded, advances

	// Step 1's writes fail, so it parks in the retry window without
	// ever reaching its hold.
	rig.mfc.failWrites(testBaseAddr, -1)
	rig.step(10)
	if got := rig.scheduler.Status().State; got != "stepping" {
		t.Fatalf("state = %s, expected stepping", got)
	}

	if err := rig.scheduler.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	rig.step(10.2)

	st := rig.scheduler.Status()
	if st.State != "stopped" {
		t.Fatalf("state = %s, expected stopped", st.State)
	}

	// Step 1's row must not carry step 0's sample: the only telemetry
	// on record predates step 1, so its measured columns stay empty.
	records := readRunLog(t, st.LogPath)
	if len(records) != 3 {
		t.Fatalf("run log has %d records, expected header + 2 rows", len(records))
	}
	if records[1][2] != "100.0000" {
		t.Errorf("step 0 actual concentration = %q, expected 100.0000", records[1][2])
	}
	for col := 2; col <= 4; col++ {
		if records[2][col] != "" {
			t.Errorf("step 1 column %d = %q, expected empty", col, records[2][col])
		}
	}
}

func TestSchedulerSkipsRecoverableStep(t *testing.T) {
	rig := newTestRig(t)
	// 99999 ppm exceeds the richer source; that step is infeasible.
	p := testParams(t, 100, 99999, 200)

	if err := rig.scheduler.Start(p); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rig.step(0)
	rig.sampler.Poll()
	rig.step(10) // step 0 recorded
	rig.step(10) // step 1 skipped, step 2 still pending
	rig.step(10) // step 2 commanded
	if got := rig.scheduler.Status().Step; got != 2 {
		t.Fatalf("step index = %d, expected 2", got)
	}
	rig.sampler.Poll()
	rig.step(20)

	st := rig.scheduler.Status()
	if st.State != "completed" {
		t.Fatalf("state = %s, expected completed", st.State)
	}
	records := readRunLog(t, st.LogPath)
	if len(records) != 3 {
		t.Fatalf("run log has %d records, expected header + 2 rows", len(records))
	}
	if records[2][0] != "2" {
		t.Errorf("last logged step = %s, expected 2", records[2][0])
	}
	if got := rig.hm.StepsSkipped.Value(); got != 1 {
		t.Errorf("steps skipped metric = %v, expected 1", got)
	}
}

func TestSchedulerRetriesThenFails(t *testing.T) {
	rig := newTestRig(t)
	rig.mfc.failWrites(testBaseAddr, -1) // fail forever
	p := testParams(t, 100)

	if err := rig.scheduler.Start(p); err != nil {
		t.Fatalf("Start: %v", err)
	}

	eventtime := 0.0
	for i := 0; i < 3; i++ {
		next := rig.step(eventtime)
		if next == reactor.NEVER {
			t.Fatalf("run ended after %d attempts, expected a retry", i+1)
		}
		eventtime = next
	}
	next := rig.step(eventtime)
	if next != reactor.NEVER {
		t.Fatalf("run still alive after final attempt")
	}

	st := rig.scheduler.Status()
	if st.State != "failed" {
		t.Fatalf("state = %s, expected failed", st.State)
	}
	if st.Error == "" {
		t.Error("failed run carries no error")
	}
	if got := rig.hm.SetpointRetries.Value(); got != 3 {
		t.Errorf("setpoint retries metric = %v, expected 3", got)
	}
	if got := rig.hm.RunsFailed.Value(); got != 1 {
		t.Errorf("runs failed metric = %v, expected 1", got)
	}
}

func TestSchedulerRecoversFromTransientWriteFailure(t *testing.T) {
	rig := newTestRig(t)
	rig.mfc.failWrites(testBaseAddr, 2)
	p := testParams(t, 100)

	if err := rig.scheduler.Start(p); err != nil {
		t.Fatalf("Start: %v", err)
	}

	eventtime := 0.0
	for i := 0; i < 3; i++ {
		eventtime = rig.step(eventtime)
	}
	if got := rig.scheduler.Status().State; got != "waiting" {
		t.Fatalf("state = %s, expected waiting after recovery", got)
	}
	if got := rig.hm.SetpointRetries.Value(); got != 2 {
		t.Errorf("setpoint retries metric = %v, expected 2", got)
	}
}

func TestSchedulerAutomaticBinding(t *testing.T) {
	rig := newTestRig(t)
	p := testParams(t, 100, 10)
	p.Binding = instrument.Automatic()

	if err := rig.scheduler.Start(p); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// 100 ppm needs 0.03 ln/min: only the large instrument can carry it.
	rig.step(0)
	if addr, _ := rig.scheduler.VariableAddress(); addr != testLargeAddr {
		t.Errorf("step 0 resolved addr %d, expected %d", addr, testLargeAddr)
	}
	rig.sampler.Poll()
	rig.step(10)

	// 10 ppm needs 0.003 ln/min: the small instrument runs at higher
	// utilization and wins.
	rig.step(10)
	if addr, _ := rig.scheduler.VariableAddress(); addr != testSmallAddr {
		t.Errorf("step 1 resolved addr %d, expected %d", addr, testSmallAddr)
	}
	rig.sampler.Poll()
	rig.step(20)

	if got := rig.scheduler.Status().State; got != "completed" {
		t.Fatalf("state = %s, expected completed", got)
	}
}

func TestSchedulerZeroFlowOnStop(t *testing.T) {
	rig := newTestRig(t)
	p := testParams(t, 100)
	p.ZeroFlowOnStop = true

	if err := rig.scheduler.Start(p); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rig.step(0)
	if err := rig.scheduler.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	rig.step(0.25)

	if sp := rig.mfc.setpoint(testBaseAddr); sp != 0 {
		t.Errorf("base setpoint %.4f after stop, expected 0", sp)
	}
	if sp := rig.mfc.setpoint(testLargeAddr); sp != 0 {
		t.Errorf("variable setpoint %.4f after stop, expected 0", sp)
	}
}

func TestSchedulerRejectsConcurrentRun(t *testing.T) {
	rig := newTestRig(t)
	p := testParams(t, 100)

	if err := rig.scheduler.Start(p); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := rig.scheduler.Start(p)
	if !errors.Is(err, errors.ErrRunState) {
		t.Errorf("second Start error = %v, expected run state error", err)
	}

	// After the first run finishes a new one is accepted.
	rig.step(0)
	rig.sampler.Poll()
	rig.step(10)
	if err := rig.scheduler.Start(p); err != nil {
		t.Errorf("Start after completion: %v", err)
	}
}

func TestSchedulerStopWhenIdle(t *testing.T) {
	rig := newTestRig(t)
	err := rig.scheduler.Stop()
	if !errors.Is(err, errors.ErrRunState) {
		t.Errorf("Stop error = %v, expected run state error", err)
	}
	if got := rig.scheduler.Status().State; got != "idle" {
		t.Errorf("idle status = %s", got)
	}
}

func TestSchedulerRejectsBaseAsVariable(t *testing.T) {
	rig := newTestRig(t)
	p := testParams(t, 100)
	p.Binding = instrument.Fixed(testBaseAddr)

	err := rig.scheduler.Start(p)
	if !errors.Is(err, errors.ErrConfigValidation) {
		t.Errorf("Start error = %v, expected config validation error", err)
	}
}
