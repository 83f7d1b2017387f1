// Propar ASCII frame codec
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package propar implements the ASCII variant of the propar protocol
// spoken by the mass flow controllers on the RS-232 bus. A frame is a
// colon, a hex-encoded length byte, the hex-encoded message bytes and a
// CRLF terminator; the length counts every byte after itself.
package propar

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"pyhorst-go-migration/pkg/errors"
)

// Protocol commands
const (
	CmdStatus byte = 0x00 // status reply to a write
	CmdWrite  byte = 0x01 // write parameter, status requested
	CmdAnswer byte = 0x02 // answer to a read request
	CmdRead   byte = 0x04 // read parameter request
)

// Parameter type bits, carried in the high bits of the parameter byte
const (
	TypeChar   byte = 0x00
	TypeInt16  byte = 0x20
	TypeFloat  byte = 0x40 // also 32-bit integers
	TypeString byte = 0x60

	typeMask  byte = 0x60
	indexMask byte = 0x1F
)

// Parameter locations used by the host
const (
	// ProcessMeasure holds the live measurement parameters
	ProcessMeasure byte = 33

	// ParamFMeasure is the flow measurement in capacity units (float)
	ParamFMeasure byte = 0

	// ParamValve is the valve output percentage (float)
	ParamValve byte = 1

	// ParamTemperature is the onboard temperature in degC (float)
	ParamTemperature byte = 7

	// ProcessSetup holds setpoint and identification parameters
	ProcessSetup byte = 1

	// ParamSetpoint is the flow setpoint as a 0..32000 count (int16)
	ParamSetpoint byte = 1

	// ParamCapacityUnit is the capacity unit name (string, 7 chars)
	ParamCapacityUnit byte = 31
)

// SetpointFullScale is the setpoint count corresponding to the
// instrument's full-scale flow.
const SetpointFullScale = 32000

// Status codes in CmdStatus replies
const (
	StatusOK             byte = 0x00
	StatusCommandError   byte = 0x02
	StatusParameterError byte = 0x04
)

// Frame is one decoded propar message
type Frame struct {
	Node    byte
	Command byte
	Payload []byte
}

// Encode renders the frame in ASCII wire format
func (f Frame) Encode() []byte {
	raw := make([]byte, 0, 2+len(f.Payload))
	raw = append(raw, f.Node, f.Command)
	raw = append(raw, f.Payload...)

	var b strings.Builder
	b.WriteByte(':')
	fmt.Fprintf(&b, "%02X", len(raw))
	for _, v := range raw {
		fmt.Fprintf(&b, "%02X", v)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// DecodeFrame parses one ASCII line (without the trailing CRLF) into a
// Frame.
func DecodeFrame(line []byte) (Frame, error) {
	s := strings.TrimSpace(string(line))
	if len(s) < 1 || s[0] != ':' {
		return Frame{}, errors.ProparFrameError("missing ':' start character")
	}
	s = s[1:]
	if len(s)%2 != 0 {
		return Frame{}, errors.ProparFrameError("odd hex digit count")
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Frame{}, errors.ProparFrameError("invalid hex encoding")
	}
	if len(raw) < 3 {
		return Frame{}, errors.ProparFrameError("frame too short")
	}
	length := int(raw[0])
	if length != len(raw)-1 {
		return Frame{}, errors.ProparFrameError(
			fmt.Sprintf("length byte %d does not match %d message bytes", length, len(raw)-1))
	}
	return Frame{
		Node:    raw[1],
		Command: raw[2],
		Payload: raw[3:],
	}, nil
}

// paramByte combines a parameter type and index
func paramByte(paramType, index byte) byte {
	return (paramType & typeMask) | (index & indexMask)
}

// ReadRequest builds a read request for one parameter. The first
// process/parameter pair tells the instrument where to place the value
// in its answer; it echoes the requested location.
func ReadRequest(node, process, paramType, index byte) Frame {
	p := paramByte(paramType, index)
	return Frame{
		Node:    node,
		Command: CmdRead,
		Payload: []byte{process, p, process, p},
	}
}

// WriteInt16Request builds a write request for an int16 parameter
func WriteInt16Request(node, process, index byte, value uint16) Frame {
	payload := []byte{process, paramByte(TypeInt16, index), 0, 0}
	binary.BigEndian.PutUint16(payload[2:], value)
	return Frame{Node: node, Command: CmdWrite, Payload: payload}
}

// AnswerFloat builds an answer frame carrying a float parameter
func AnswerFloat(node, process, index byte, value float64) Frame {
	payload := []byte{process, paramByte(TypeFloat, index), 0, 0, 0, 0}
	binary.BigEndian.PutUint32(payload[2:], math.Float32bits(float32(value)))
	return Frame{Node: node, Command: CmdAnswer, Payload: payload}
}

// AnswerString builds an answer frame carrying a string parameter
func AnswerString(node, process, index byte, value string) Frame {
	payload := []byte{process, paramByte(TypeString, index), byte(len(value))}
	payload = append(payload, value...)
	return Frame{Node: node, Command: CmdAnswer, Payload: payload}
}

// StatusReply builds a status frame answering a write
func StatusReply(node, status byte) Frame {
	return Frame{Node: node, Command: CmdStatus, Payload: []byte{status, 0}}
}

// ParseFloatAnswer extracts a float value from an answer frame
func ParseFloatAnswer(f Frame, process, index byte) (float64, error) {
	if f.Command != CmdAnswer {
		return 0, errors.ProparFrameError(
			fmt.Sprintf("expected answer frame, got command %#02x", f.Command))
	}
	if len(f.Payload) != 6 {
		return 0, errors.ProparFrameError(
			fmt.Sprintf("float answer payload is %d bytes, expected 6", len(f.Payload)))
	}
	if f.Payload[0] != process || f.Payload[1] != paramByte(TypeFloat, index) {
		return 0, errors.ProparFrameError("answer does not match requested parameter")
	}
	bits := binary.BigEndian.Uint32(f.Payload[2:])
	return float64(math.Float32frombits(bits)), nil
}

// ParseStringAnswer extracts a string value from an answer frame
func ParseStringAnswer(f Frame, process, index byte) (string, error) {
	if f.Command != CmdAnswer {
		return "", errors.ProparFrameError(
			fmt.Sprintf("expected answer frame, got command %#02x", f.Command))
	}
	if len(f.Payload) < 3 {
		return "", errors.ProparFrameError("string answer payload too short")
	}
	if f.Payload[0] != process || f.Payload[1] != paramByte(TypeString, index) {
		return "", errors.ProparFrameError("answer does not match requested parameter")
	}
	n := int(f.Payload[2])
	if len(f.Payload) < 3+n {
		return "", errors.ProparFrameError("string answer truncated")
	}
	return strings.TrimRight(string(f.Payload[3:3+n]), " \x00"), nil
}

// ParseStatus extracts the status code from a status frame
func ParseStatus(f Frame) (byte, error) {
	if f.Command != CmdStatus {
		return 0, errors.ProparFrameError(
			fmt.Sprintf("expected status frame, got command %#02x", f.Command))
	}
	if len(f.Payload) < 1 {
		return 0, errors.ProparFrameError("empty status payload")
	}
	return f.Payload[0], nil
}

// ParseReadRequest extracts the requested parameter from a read
// request. Used by the instrument simulator.
func ParseReadRequest(f Frame) (process, paramType, index byte, err error) {
	if f.Command != CmdRead {
		return 0, 0, 0, errors.ProparFrameError(
			fmt.Sprintf("expected read request, got command %#02x", f.Command))
	}
	if len(f.Payload) != 4 {
		return 0, 0, 0, errors.ProparFrameError(
			fmt.Sprintf("read request payload is %d bytes, expected 4", len(f.Payload)))
	}
	return f.Payload[2], f.Payload[3] & typeMask, f.Payload[3] & indexMask, nil
}

// ParseWriteInt16Request extracts an int16 write from a request frame.
// Used by the instrument simulator.
func ParseWriteInt16Request(f Frame) (process, index byte, value uint16, err error) {
	if f.Command != CmdWrite {
		return 0, 0, 0, errors.ProparFrameError(
			fmt.Sprintf("expected write request, got command %#02x", f.Command))
	}
	if len(f.Payload) != 4 {
		return 0, 0, 0, errors.ProparFrameError(
			fmt.Sprintf("int16 write payload is %d bytes, expected 4", len(f.Payload)))
	}
	if f.Payload[1]&typeMask != TypeInt16 {
		return 0, 0, 0, errors.ProparFrameError("write is not an int16 parameter")
	}
	return f.Payload[0], f.Payload[1] & indexMask, binary.BigEndian.Uint16(f.Payload[2:]), nil
}
