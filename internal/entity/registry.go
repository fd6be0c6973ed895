package entity

import (
	"sort"
	"sync"
)

// Registry maps channel keys to sensors for one account. Each key maps to at
// most one sensor.
type Registry struct {
	accountID string
	mu        sync.RWMutex
	sensors   map[Key]*Sensor
}

func NewRegistry(accountID string) *Registry {
	return &Registry{
		accountID: accountID,
		sensors:   make(map[Key]*Sensor),
	}
}

func (r *Registry) AccountID() string { return r.accountID }

// Ensure returns the sensor for key, creating it with name and unit when it
// does not exist yet. created reports whether a new sensor was made.
func (r *Registry) Ensure(key Key, name, unit string) (s *Sensor, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sensors[key]; ok {
		return s, false
	}
	s = newSensor(r.accountID, key, name, unit)
	r.sensors[key] = s
	return s, true
}

// Remove drops the sensor for key and reports whether there was one.
func (r *Registry) Remove(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sensors[key]; !ok {
		return false
	}
	delete(r.sensors, key)
	return true
}

// SharedUniqueID returns the key of another sensor with the same unique id
// as s, if any. Two PIDs with the same display name collide this way.
func (r *Registry) SharedUniqueID(s *Sensor) (Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for key, other := range r.sensors {
		if other != s && other.uniqueID == s.uniqueID {
			return key, true
		}
	}
	return Key{}, false
}

func (r *Registry) Get(key Key) (*Sensor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sensors[key]
	return s, ok
}

// List returns the state of every sensor ordered by profile then PID.
func (r *Registry) List() []State {
	r.mu.RLock()
	out := make([]State, 0, len(r.sensors))
	for _, s := range r.sensors {
		out = append(out, s.State())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Profile != out[j].Profile {
			return out[i].Profile < out[j].Profile
		}
		return out[i].PID < out[j].PID
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sensors)
}

// Restore recreates sensors from persisted states. Keys already present are
// left alone.
func (r *Registry) Restore(states []State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range states {
		key := st.Key()
		if _, ok := r.sensors[key]; ok {
			continue
		}
		s := newSensor(r.accountID, key, st.Name, st.Unit)
		if st.HasValue {
			s.value = st.Value
			s.hasValue = true
			s.updatedAt = st.UpdatedAt
		}
		r.sensors[key] = s
		n++
	}
	return n
}

// Clear drops every sensor, used on teardown.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.sensors = make(map[Key]*Sensor)
	r.mu.Unlock()
}
