package qutag

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrWriteFailed is returned when a command was only partially written.
var ErrWriteFailed = errors.New("failed to write to serial port")

// ErrClosed is returned by commands issued after DeInitialize.
var ErrClosed = errors.New("driver closed")

// DefaultReplyTimeout bounds how long a command waits for the bridge.
const DefaultReplyTimeout = 2 * time.Second

type timeoutPort interface {
	SetReadTimeout(t time.Duration) error
}

// SerialDriver implements Driver over a line protocol:
//
//	EXPO <ms>              set exposure
//	PARAMS?                query timebase, coincidence window and exposure
//	REC <format> <path>    start writing timestamps
//	REC NONE               stop writing timestamps
//	DEINIT                 release the device
//
// Every command is answered by a single "OK [payload]" or "ERR <message>" line.
type SerialDriver struct {
	port   Port
	reader *bufio.Reader

	commandMu sync.Mutex
	closed    bool
}

var _ Driver = (*SerialDriver)(nil)

// NewSerialDriver wraps an open port.
func NewSerialDriver(port Port) *SerialDriver {
	if tp, ok := port.(timeoutPort); ok {
		_ = tp.SetReadTimeout(DefaultReplyTimeout)
	}
	return &SerialDriver{port: port, reader: bufio.NewReader(port)}
}

// SendCommand writes command and returns the payload of the OK reply.
func (d *SerialDriver) SendCommand(command string) (string, error) {
	d.commandMu.Lock()
	defer d.commandMu.Unlock()
	if d.closed {
		return "", ErrClosed
	}
	return d.sendLocked(command)
}

func (d *SerialDriver) sendLocked(command string) (string, error) {
	line := strings.TrimRight(command, "\r\n") + "\n"
	n, err := d.port.Write([]byte(line))
	if err != nil {
		return "", fmt.Errorf("failed to send %q: %w", command, err)
	}
	if n != len(line) {
		return "", ErrWriteFailed
	}

	reply, err := d.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read reply to %q: %w", command, err)
	}
	reply = strings.TrimSpace(reply)
	switch {
	case reply == "OK":
		return "", nil
	case strings.HasPrefix(reply, "OK "):
		return strings.TrimSpace(reply[3:]), nil
	case strings.HasPrefix(reply, "ERR"):
		return "", &DeviceError{Command: command, Message: strings.TrimSpace(strings.TrimPrefix(reply, "ERR"))}
	default:
		return "", fmt.Errorf("unexpected reply to %q: %q", command, reply)
	}
}

// SetExposureTime implements Driver.
func (d *SerialDriver) SetExposureTime(ms int) error {
	if ms < 1 {
		return fmt.Errorf("exposure must be at least 1 ms, got %d", ms)
	}
	_, err := d.SendCommand(fmt.Sprintf("EXPO %d", ms))
	return err
}

// DeviceParams implements Driver. The reply payload is a list of key=value
// pairs, e.g. "timebase=1e-12 coinc_window=200 exposure_ms=100".
func (d *SerialDriver) DeviceParams() (Params, error) {
	payload, err := d.SendCommand("PARAMS?")
	if err != nil {
		return Params{}, err
	}
	return parseParams(payload)
}

func parseParams(payload string) (Params, error) {
	var p Params
	for _, field := range strings.Fields(payload) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return Params{}, fmt.Errorf("malformed parameter %q", field)
		}
		var err error
		switch key {
		case "timebase":
			p.Timebase, err = strconv.ParseFloat(value, 64)
		case "coinc_window":
			p.CoincWindow, err = strconv.Atoi(value)
		case "exposure_ms":
			p.ExposureMs, err = strconv.Atoi(value)
		}
		if err != nil {
			return Params{}, fmt.Errorf("bad value for %s: %w", key, err)
		}
	}
	return p, nil
}

// WriteTimestamps implements Driver.
func (d *SerialDriver) WriteTimestamps(path string, format FileFormat) error {
	if format == FormatNone {
		_, err := d.SendCommand("REC NONE")
		return err
	}
	if path == "" || strings.ContainsAny(path, "\r\n") {
		return fmt.Errorf("invalid recording path %q", path)
	}
	_, err := d.SendCommand(fmt.Sprintf("REC %s %s", format, path))
	return err
}

// DeInitialize implements Driver. The port is closed even if the bridge
// rejects the command; later calls are no-ops.
func (d *SerialDriver) DeInitialize() error {
	d.commandMu.Lock()
	defer d.commandMu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	_, cmdErr := d.sendLocked("DEINIT")
	closeErr := d.port.Close()
	return errors.Join(cmdErr, closeErr)
}
