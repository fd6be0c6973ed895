package entity

import (
	"sync"
	"testing"
	"time"
)

func TestRegistry_EnsureIsIdempotent(t *testing.T) {
	r := NewRegistry("me@example.com")

	s1, created := r.Ensure(Key{PID: 0x0d}, "Speed", "km/h")
	if !created {
		t.Fatalf("Expected first Ensure to create a sensor")
	}
	s2, created := r.Ensure(Key{PID: 0x0d}, "Speed renamed", "mph")
	if created {
		t.Errorf("Expected second Ensure to reuse the sensor")
	}
	if s1 != s2 {
		t.Errorf("Expected the same sensor instance")
	}
	if st := s2.State(); st.Name != "Speed" || st.Unit != "km/h" {
		t.Errorf("Expected original name and unit, got %+v", st)
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 sensor, got %d", r.Len())
	}
}

func TestRegistry_ProfileKeysAreDistinct(t *testing.T) {
	r := NewRegistry("acct")
	a, _ := r.Ensure(Key{Profile: "Golf", PID: 0x0c}, "Engine RPM", "rpm")
	b, _ := r.Ensure(Key{Profile: "Van", PID: 0x0c}, "Engine RPM", "rpm")
	if a == b {
		t.Fatalf("Expected distinct sensors per profile")
	}
	if a.UniqueID() != "acct_Golf_Engine RPM" {
		t.Errorf("Unexpected unique id %q", a.UniqueID())
	}
	if got := UniqueID("acct", Key{PID: 1}, "Load"); got != "acct_Load" {
		t.Errorf("Unexpected unique id %q", got)
	}
}

func TestSensor_UpdateLastValueWins(t *testing.T) {
	r := NewRegistry("acct")
	s, _ := r.Ensure(Key{PID: 5}, "Coolant", "°C")
	if s.State().HasValue {
		t.Errorf("New sensor should not have a value")
	}
	t1 := time.Unix(100, 0)
	t2 := time.Unix(50, 0)
	s.Update("80", t1)
	s.Update("81", t2)
	st := s.State()
	if st.Value != "81" || !st.UpdatedAt.Equal(t2) {
		t.Errorf("Expected last write to win, got %+v", st)
	}
	if st.Icon != DefaultIcon {
		t.Errorf("Expected icon %s, got %s", DefaultIcon, st.Icon)
	}
}

func TestRegistry_RestoreAndList(t *testing.T) {
	r := NewRegistry("acct")
	r.Ensure(Key{PID: 0x0d}, "Speed", "km/h")
	n := r.Restore([]State{
		{PID: 0x0d, Name: "Old speed"},
		{PID: 0x05, Name: "Coolant", Unit: "°C", Value: "90", HasValue: true, UpdatedAt: time.Unix(10, 0)},
	})
	if n != 1 {
		t.Errorf("Expected 1 restored sensor, got %d", n)
	}
	list := r.List()
	if len(list) != 2 || list[0].PID != 0x05 || list[1].PID != 0x0d {
		t.Fatalf("Unexpected list order: %+v", list)
	}
	if list[0].Value != "90" || list[1].Name != "Speed" {
		t.Errorf("Unexpected restored states: %+v", list)
	}

	r.Clear()
	if r.Len() != 0 {
		t.Errorf("Expected empty registry after Clear, got %d", r.Len())
	}
}

func TestRegistry_ConcurrentEnsure(t *testing.T) {
	r := NewRegistry("acct")
	var wg sync.WaitGroup
	created := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, c := r.Ensure(Key{PID: 0x0c}, "Engine RPM", "rpm")
			created <- c
		}()
	}
	wg.Wait()
	close(created)
	n := 0
	for c := range created {
		if c {
			n++
		}
	}
	if n != 1 || r.Len() != 1 {
		t.Errorf("Expected exactly one creation, got %d (len %d)", n, r.Len())
	}
}

func TestRegistry_RemoveAndSharedUniqueID(t *testing.T) {
	r := NewRegistry("acct")
	obd, _ := r.Ensure(Key{PID: 0x0d}, "Speed", "km/h")
	gps, _ := r.Ensure(Key{PID: 0xff1001}, "Speed", "km/h")

	if key, ok := r.SharedUniqueID(gps); !ok || key != (Key{PID: 0x0d}) {
		t.Errorf("Expected GPS speed to share its unique id with PID 0x0d, got %v %v", key, ok)
	}
	if !r.Remove(Key{PID: 0x0d}) {
		t.Fatalf("Expected Remove to find the sensor")
	}
	if r.Remove(Key{PID: 0x0d}) {
		t.Errorf("Expected second Remove to report nothing removed")
	}
	if _, ok := r.SharedUniqueID(gps); ok {
		t.Errorf("Expected no shared unique id after removal")
	}
	if _, ok := r.Get(obd.Key()); ok {
		t.Errorf("Expected removed sensor to be gone")
	}
}

func TestSensor_Revert(t *testing.T) {
	r := NewRegistry("acct")
	s, _ := r.Ensure(Key{PID: 5}, "Coolant", "°C")
	empty := s.State()

	s.Update("80", time.UnixMilli(1000))
	prev := s.State()
	s.Update("81", time.UnixMilli(2000))

	s.Revert(prev)
	if st := s.State(); st.Value != "80" || !st.UpdatedAt.Equal(time.UnixMilli(1000)) {
		t.Errorf("Expected reverted value 80, got %+v", st)
	}
	s.Revert(empty)
	if st := s.State(); st.HasValue || st.Value != "" {
		t.Errorf("Expected sensor without a value, got %+v", st)
	}
}
