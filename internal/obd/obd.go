// Package obd talks to an ELM327 OBD-II adapter: it builds mode 01 requests,
// parses the adapter's replies and turns them into Torque snapshots.
package obd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/torquehook/internal/torque"
)

var (
	ErrNoData       = errors.New("no data")
	ErrUnsupported  = errors.New("unsupported pid")
	ErrBadResponse  = errors.New("malformed response")
	ErrAdapterError = errors.New("adapter error")
)

// PID describes one mode 01 parameter.
type PID struct {
	Code  byte
	Name  string
	Unit  string
	Bytes int
	value func(data []byte) float64
}

var pids = map[byte]PID{
	0x04: {Code: 0x04, Name: "Engine Load", Unit: "%", Bytes: 1, value: func(d []byte) float64 { return float64(d[0]) * 100 / 255 }},
	0x05: {Code: 0x05, Name: "Engine Coolant Temperature", Unit: "°C", Bytes: 1, value: func(d []byte) float64 { return float64(d[0]) - 40 }},
	0x0C: {Code: 0x0C, Name: "Engine RPM", Unit: "rpm", Bytes: 2, value: func(d []byte) float64 { return float64(int(d[0])*256+int(d[1])) / 4 }},
	0x0D: {Code: 0x0D, Name: "Speed (OBD)", Unit: "km/h", Bytes: 1, value: func(d []byte) float64 { return float64(d[0]) }},
	0x0F: {Code: 0x0F, Name: "Intake Air Temperature", Unit: "°C", Bytes: 1, value: func(d []byte) float64 { return float64(d[0]) - 40 }},
	0x11: {Code: 0x11, Name: "Throttle Position", Unit: "%", Bytes: 1, value: func(d []byte) float64 { return float64(d[0]) * 100 / 255 }},
}

// Lookup returns the description of code.
func Lookup(code byte) (PID, bool) {
	p, ok := pids[code]
	return p, ok
}

// Supported lists the known PIDs in ascending order.
func Supported() []byte {
	out := make([]byte, 0, len(pids))
	for code := range pids {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reading is one decoded value.
type Reading struct {
	PID   PID
	Value float64
}

// Request is the adapter command querying code.
func Request(code byte) string {
	return fmt.Sprintf("01%02X\r", code)
}

// ParseResponse finds the mode 01 reply to code in raw adapter output and
// decodes it. Echoed commands, blank lines and the prompt are ignored.
func ParseResponse(code byte, raw string) (Reading, error) {
	p, ok := pids[code]
	if !ok {
		return Reading{}, fmt.Errorf("%w: %02X", ErrUnsupported, code)
	}
	want := fmt.Sprintf("41%02X", code)

	lines := strings.FieldsFunc(raw, func(r rune) bool { return r == '\r' || r == '\n' || r == '>' })
	for _, line := range lines {
		compact := strings.ToUpper(strings.ReplaceAll(line, " ", ""))
		switch {
		case compact == "NODATA":
			return Reading{}, fmt.Errorf("%w for %02X", ErrNoData, code)
		case compact == "?" || strings.Contains(compact, "ERROR") || compact == "UNABLETOCONNECT":
			return Reading{}, fmt.Errorf("%w: %s", ErrAdapterError, strings.TrimSpace(line))
		case !strings.HasPrefix(compact, want):
			continue
		}

		payload := compact[len(want):]
		if len(payload) < 2*p.Bytes {
			return Reading{}, fmt.Errorf("%w: %q", ErrBadResponse, line)
		}
		data := make([]byte, p.Bytes)
		for i := range data {
			b, err := strconv.ParseUint(payload[2*i:2*i+2], 16, 8)
			if err != nil {
				return Reading{}, fmt.Errorf("%w: %q", ErrBadResponse, line)
			}
			data[i] = byte(b)
		}
		return Reading{PID: p, Value: p.value(data)}, nil
	}
	return Reading{}, fmt.Errorf("%w: no reply to %02X in %q", ErrBadResponse, code, raw)
}

// Source produces readings, from a real adapter or a simulation.
type Source interface {
	Read(code byte) (Reading, error)
}

// ELM327 is an adapter behind a serial line.
type ELM327 struct {
	rw io.ReadWriter
	r  *bufio.Reader
}

func NewELM327(rw io.ReadWriter) *ELM327 {
	return &ELM327{rw: rw, r: bufio.NewReader(rw)}
}

// Init resets the adapter and turns off echo, linefeeds and headers.
func (e *ELM327) Init() error {
	for _, cmd := range []string{"ATZ", "ATE0", "ATL0", "ATH0", "ATSP0"} {
		if _, err := e.command(cmd + "\r"); err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
	}
	return nil
}

func (e *ELM327) Read(code byte) (Reading, error) {
	raw, err := e.command(Request(code))
	if err != nil {
		return Reading{}, err
	}
	return ParseResponse(code, raw)
}

// command writes cmd and collects output up to the next '>' prompt.
func (e *ELM327) command(cmd string) (string, error) {
	if _, err := io.WriteString(e.rw, cmd); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}
	out, err := e.r.ReadString('>')
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	return out, nil
}

// Sample reads every code from src into a Torque snapshot. Codes that fail
// are skipped and their errors joined.
func Sample(src Source, codes []byte, snap *torque.Snapshot, at time.Time) error {
	snap.Time = at
	var errs []error
	for _, code := range codes {
		r, err := src.Read(code)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		pid := int(code)
		snap.Names[pid] = r.PID.Name
		snap.Units[pid] = r.PID.Unit
		snap.Values[pid] = strconv.FormatFloat(r.Value, 'f', -1, 64)
	}
	return errors.Join(errs...)
}
