// Package torque decodes the query-string telemetry snapshots the Torque
// OBD-II app sends with every upload, and encodes them back for tools that
// impersonate the app.
package torque

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Query parameter names sent by the app alongside the per-PID keys.
const (
	EmailField   = "eml"
	DeviceField  = "id"
	SessionField = "session"
	ProfileField = "profileName"
	VersionField = "v"
	TimeField    = "time"
)

// Degree is substituted for the escaped UTF-8 degree sign some app
// versions put in unit strings.
const Degree = "°"

const escapedDegree = `\xC2\xB0`

var (
	nameKey  = regexp.MustCompile(`^userFullName(\w+)`)
	unitKey  = regexp.MustCompile(`^userUnit(\w+)`)
	valueKey = regexp.MustCompile(`^k(\w+)`)
)

// ErrNoQuery is returned when a request carries no query parameters.
var ErrNoQuery = errors.New("no torque query parameters")

// Snapshot is one upload from the app: sensor names, units and values keyed
// by PID, plus the identifying fields of the sender.
type Snapshot struct {
	Email   string
	Device  string
	Session string
	Profile string
	Version string
	Time    time.Time

	Names  map[int]string
	Units  map[int]string
	Values map[int]string

	// Skipped lists keys that looked like PID keys but had a non-hex suffix.
	Skipped []string
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		Names:  make(map[int]string),
		Units:  make(map[int]string),
		Values: make(map[int]string),
	}
}

// ParsePID converts a PID suffix from hex to an integer.
func ParsePID(s string) (int, error) {
	v, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid pid %q: %w", s, err)
	}
	return int(v), nil
}

// FormatPID is the inverse of ParsePID, using lowercase hex like the app.
func FormatPID(pid int) string {
	return strconv.FormatInt(int64(pid), 16)
}

// Decode builds a Snapshot from the query of a single upload. Keys are
// classified as name, unit or value in that order; anything else is ignored.
func Decode(q url.Values, now time.Time) (*Snapshot, error) {
	if len(q) == 0 {
		return nil, ErrNoQuery
	}

	s := newSnapshot()
	s.Email = q.Get(EmailField)
	s.Device = q.Get(DeviceField)
	s.Session = q.Get(SessionField)
	s.Profile = q.Get(ProfileField)
	s.Version = q.Get(VersionField)
	s.Time = parseTime(q.Get(TimeField), now)

	// a key sent twice keeps its first value
	for key := range q {
		value := q.Get(key)
		if m := nameKey.FindStringSubmatch(key); m != nil {
			pid, err := ParsePID(m[1])
			if err != nil {
				s.Skipped = append(s.Skipped, key)
				continue
			}
			s.Names[pid] = value
		} else if m := unitKey.FindStringSubmatch(key); m != nil {
			pid, err := ParsePID(m[1])
			if err != nil {
				s.Skipped = append(s.Skipped, key)
				continue
			}
			s.Units[pid] = NormalizeUnit(value)
		} else if m := valueKey.FindStringSubmatch(key); m != nil {
			pid, err := ParsePID(m[1])
			if err != nil {
				s.Skipped = append(s.Skipped, key)
				continue
			}
			s.Values[pid] = value
		}
	}
	sort.Strings(s.Skipped)
	return s, nil
}

// NormalizeUnit replaces the escaped degree sequence with a real degree sign.
func NormalizeUnit(unit string) string {
	if strings.Contains(unit, escapedDegree) {
		return strings.ReplaceAll(unit, escapedDegree, Degree)
	}
	return unit
}

func parseTime(raw string, now time.Time) time.Time {
	if raw == "" {
		return now
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return now
	}
	return time.UnixMilli(ms)
}

// Numeric returns the value for pid as a float, if it has one and it is a
// finite number. NaN and Inf are reported as not numeric.
func (s *Snapshot) Numeric(pid int) (float64, bool) {
	raw, ok := s.Values[pid]
	if !ok {
		return 0, false
	}
	return ParseNumber(raw)
}

// ParseNumber parses a value sent by the app, rejecting NaN and Inf.
func ParseNumber(raw string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// PIDs returns every PID mentioned by the snapshot, sorted.
func (s *Snapshot) PIDs() []int {
	seen := make(map[int]struct{}, len(s.Names)+len(s.Values))
	for pid := range s.Names {
		seen[pid] = struct{}{}
	}
	for pid := range s.Units {
		seen[pid] = struct{}{}
	}
	for pid := range s.Values {
		seen[pid] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for pid := range seen {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}
