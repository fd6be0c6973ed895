// Package entity holds the sensor entities that expose one telemetry channel
// of one account each.
package entity

import (
	"fmt"
	"sync"
	"time"
)

// DefaultIcon is shown for every Torque sensor.
const DefaultIcon = "mdi:car"

// Key identifies a channel within an account. Profile is empty unless the
// account disambiguates vehicles by profile name.
type Key struct {
	Profile string
	PID     int
}

func (k Key) String() string {
	if k.Profile == "" {
		return fmt.Sprintf("%x", k.PID)
	}
	return fmt.Sprintf("%s/%x", k.Profile, k.PID)
}

// State is a point-in-time copy of a sensor.
type State struct {
	AccountID string    `json:"account_id"`
	UniqueID  string    `json:"unique_id"`
	Profile   string    `json:"profile,omitempty"`
	PID       int       `json:"pid"`
	Name      string    `json:"name"`
	Unit      string    `json:"unit,omitempty"`
	Icon      string    `json:"icon"`
	Value     string    `json:"value,omitempty"`
	HasValue  bool      `json:"has_value"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Key returns the channel key of the state.
func (s State) Key() Key {
	return Key{Profile: s.Profile, PID: s.PID}
}

// Sensor is the last known value and metadata of one channel.
type Sensor struct {
	mu        sync.RWMutex
	accountID string
	uniqueID  string
	key       Key
	name      string
	unit      string
	value     string
	hasValue  bool
	updatedAt time.Time
}

// UniqueID builds the stable identifier of a sensor.
func UniqueID(accountID string, key Key, name string) string {
	if key.Profile == "" {
		return accountID + "_" + name
	}
	return accountID + "_" + key.Profile + "_" + name
}

func newSensor(accountID string, key Key, name, unit string) *Sensor {
	return &Sensor{
		accountID: accountID,
		uniqueID:  UniqueID(accountID, key, name),
		key:       key,
		name:      name,
		unit:      unit,
	}
}

func (s *Sensor) Key() Key         { return s.key }
func (s *Sensor) UniqueID() string { return s.uniqueID }

// Update stores a new value. The last one received is kept, whatever its
// timestamp.
func (s *Sensor) Update(value string, at time.Time) {
	s.mu.Lock()
	s.value = value
	s.hasValue = true
	s.updatedAt = at
	s.mu.Unlock()
}

// Revert puts back the value of an earlier State of the same sensor.
func (s *Sensor) Revert(prev State) {
	s.mu.Lock()
	s.value = prev.Value
	s.hasValue = prev.HasValue
	s.updatedAt = prev.UpdatedAt
	s.mu.Unlock()
}

// State returns a copy of the sensor.
func (s *Sensor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		AccountID: s.accountID,
		UniqueID:  s.uniqueID,
		Profile:   s.key.Profile,
		PID:       s.key.PID,
		Name:      s.name,
		Unit:      s.unit,
		Icon:      DefaultIcon,
		Value:     s.value,
		HasValue:  s.hasValue,
		UpdatedAt: s.updatedAt,
	}
}
