// Propar bus client
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package propar

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"pyhorst-go-migration/pkg/errors"
)

// Client issues propar requests over a shared transport. The bus is
// strictly request/reply, so one transaction holds the bus lock until
// its answer (or an error) arrives.
type Client struct {
	mu sync.Mutex
	rw io.ReadWriter
	br *bufio.Reader
}

// NewClient wraps a transport (a serial port or a simulator socket)
func NewClient(rw io.ReadWriter) *Client {
	return &Client{
		rw: rw,
		br: bufio.NewReader(rw),
	}
}

// transact writes a request and reads one reply frame for the node.
func (c *Client) transact(req Frame) (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.rw.Write(req.Encode()); err != nil {
		return Frame{}, errors.SerialIOError("write", err)
	}

	line, err := c.br.ReadBytes('\n')
	if err != nil {
		return Frame{}, errors.SerialIOError("read", err)
	}
	reply, err := DecodeFrame(line)
	if err != nil {
		return Frame{}, err
	}
	if reply.Node != req.Node {
		return Frame{}, errors.ProparFrameError(
			fmt.Sprintf("reply from node %d, expected %d", reply.Node, req.Node))
	}
	return reply, nil
}

// ReadFloat reads a float parameter from a node
func (c *Client) ReadFloat(node, process, index byte) (float64, error) {
	reply, err := c.transact(ReadRequest(node, process, TypeFloat, index))
	if err != nil {
		return 0, err
	}
	return ParseFloatAnswer(reply, process, index)
}

// ReadString reads a string parameter from a node
func (c *Client) ReadString(node, process, index byte) (string, error) {
	reply, err := c.transact(ReadRequest(node, process, TypeString, index))
	if err != nil {
		return "", err
	}
	return ParseStringAnswer(reply, process, index)
}

// WriteInt16 writes an int16 parameter and checks the status reply
func (c *Client) WriteInt16(node, process, index byte, value uint16) error {
	reply, err := c.transact(WriteInt16Request(node, process, index, value))
	if err != nil {
		return err
	}
	status, err := ParseStatus(reply)
	if err != nil {
		return err
	}
	if status != StatusOK {
		return errors.New(errors.ErrHardwareCommand,
			fmt.Sprintf("instrument rejected write with status %#02x", status)).
			SetAddress(int(node))
	}
	return nil
}
