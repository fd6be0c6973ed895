package torque

import (
	"net/url"
	"strconv"
)

// Encode turns a snapshot back into the query the app would send.
func Encode(s *Snapshot) url.Values {
	q := url.Values{}
	setIf := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	setIf(EmailField, s.Email)
	setIf(DeviceField, s.Device)
	setIf(SessionField, s.Session)
	setIf(ProfileField, s.Profile)
	setIf(VersionField, s.Version)
	if !s.Time.IsZero() {
		q.Set(TimeField, strconv.FormatInt(s.Time.UnixMilli(), 10))
	}
	for pid, name := range s.Names {
		q.Set("userFullName"+FormatPID(pid), name)
	}
	for pid, unit := range s.Units {
		q.Set("userUnit"+FormatPID(pid), unit)
	}
	for pid, v := range s.Values {
		q.Set("k"+FormatPID(pid), v)
	}
	return q
}

// NewSnapshot returns an empty snapshot ready to be filled by a sender.
func NewSnapshot() *Snapshot {
	return newSnapshot()
}
