// Tests for the propar frame codec
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package propar

import (
	"math"
	"testing"

	"pyhorst-go-migration/pkg/errors"
)

func TestEncodeSetpointWrite(t *testing.T) {
	// The canonical "write setpoint 32000 to node 3" exchange.
	f := WriteInt16Request(3, ProcessSetup, ParamSetpoint, 32000)
	got := string(f.Encode())
	expected := ":06030101217D00\r\n"
	if got != expected {
		t.Errorf("encoded frame %q, expected %q", got, expected)
	}
}

func TestEncodeReadRequest(t *testing.T) {
	f := ReadRequest(3, ProcessMeasure, TypeFloat, ParamFMeasure)
	got := string(f.Encode())
	expected := ":06030421402140\r\n"
	if got != expected {
		t.Errorf("encoded frame %q, expected %q", got, expected)
	}
}

func TestDecodeFrameRoundTrip(t *testing.T) {
	frames := []Frame{
		ReadRequest(5, ProcessMeasure, TypeFloat, ParamTemperature),
		WriteInt16Request(8, ProcessSetup, ParamSetpoint, 0),
		AnswerFloat(3, ProcessMeasure, ParamFMeasure, 1.47),
		AnswerString(3, ProcessSetup, ParamCapacityUnit, "ln/min"),
		StatusReply(3, StatusOK),
	}
	for _, f := range frames {
		decoded, err := DecodeFrame(f.Encode())
		if err != nil {
			t.Fatalf("DecodeFrame(%q): %v", f.Encode(), err)
		}
		if decoded.Node != f.Node || decoded.Command != f.Command {
			t.Errorf("round trip changed header: %+v -> %+v", f, decoded)
		}
		if len(decoded.Payload) != len(f.Payload) {
			t.Errorf("round trip changed payload length: %d -> %d",
				len(f.Payload), len(decoded.Payload))
		}
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"no colon", "06030421402140\r\n"},
		{"odd digits", ":0603042140214\r\n"},
		{"bad hex", ":06030421ZZ2140\r\n"},
		{"too short", ":0103\r\n"},
		{"length mismatch", ":0A030421402140\r\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(tc.line))
			if !errors.Is(err, errors.ErrProparFrame) {
				t.Errorf("DecodeFrame error = %v, expected frame error", err)
			}
		})
	}
}

func TestFloatAnswerRoundTrip(t *testing.T) {
	for _, v := range []float64{0, 1.47, 0.03, 1500, -2.5} {
		f := AnswerFloat(3, ProcessMeasure, ParamFMeasure, v)
		got, err := ParseFloatAnswer(f, ProcessMeasure, ParamFMeasure)
		if err != nil {
			t.Fatalf("ParseFloatAnswer(%v): %v", v, err)
		}
		// float32 wire precision
		if math.Abs(got-v) > math.Abs(v)*1e-6 {
			t.Errorf("value %v round-tripped to %v", v, got)
		}
	}

	f := AnswerFloat(3, ProcessMeasure, ParamFMeasure, 1.0)
	if _, err := ParseFloatAnswer(f, ProcessMeasure, ParamValve); err == nil {
		t.Error("expected mismatch error for wrong parameter index")
	}
}

func TestStringAnswer(t *testing.T) {
	f := AnswerString(3, ProcessSetup, ParamCapacityUnit, "mln/min")
	got, err := ParseStringAnswer(f, ProcessSetup, ParamCapacityUnit)
	if err != nil || got != "mln/min" {
		t.Errorf("ParseStringAnswer = %q, %v", got, err)
	}

	// Padded units come back trimmed.
	f = AnswerString(3, ProcessSetup, ParamCapacityUnit, "ln/min ")
	got, err = ParseStringAnswer(f, ProcessSetup, ParamCapacityUnit)
	if err != nil || got != "ln/min" {
		t.Errorf("padded unit = %q, %v", got, err)
	}
}

func TestParseRequests(t *testing.T) {
	process, paramType, index, err := ParseReadRequest(ReadRequest(3, ProcessMeasure, TypeFloat, ParamValve))
	if err != nil {
		t.Fatalf("ParseReadRequest: %v", err)
	}
	if process != ProcessMeasure || paramType != TypeFloat || index != ParamValve {
		t.Errorf("parsed %d/%#02x/%d", process, paramType, index)
	}

	wProcess, wIndex, value, err := ParseWriteInt16Request(WriteInt16Request(3, ProcessSetup, ParamSetpoint, 16000))
	if err != nil {
		t.Fatalf("ParseWriteInt16Request: %v", err)
	}
	if wProcess != ProcessSetup || wIndex != ParamSetpoint || value != 16000 {
		t.Errorf("parsed %d/%d = %d", wProcess, wIndex, value)
	}
}
