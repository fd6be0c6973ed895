package obd

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Simulator fakes a warming-up engine driving around town.
type Simulator struct {
	mu    sync.Mutex
	start time.Time
	now   func() time.Time
	rng   *rand.Rand
}

func NewSimulator(seed int64) *Simulator {
	return &Simulator{start: time.Now(), now: time.Now, rng: rand.New(rand.NewSource(seed))}
}

func (s *Simulator) Read(code byte) (Reading, error) {
	p, ok := pids[code]
	if !ok {
		return Reading{}, fmt.Errorf("%w: %02X", ErrUnsupported, code)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.now().Sub(s.start).Seconds()
	jitter := s.rng.Float64()
	speed := math.Max(0, 50+45*math.Sin(t/20)+5*jitter)

	var v float64
	switch code {
	case 0x04:
		v = 20 + speed/2 + 5*jitter
	case 0x05:
		v = math.Min(90, 20+t/6)
	case 0x0C:
		v = 800 + speed*30 + 100*jitter
	case 0x0D:
		v = math.Round(speed)
	case 0x0F:
		v = 25 + 3*jitter
	case 0x11:
		v = 12 + speed/3 + 4*jitter
	}
	return Reading{PID: p, Value: math.Round(v*10) / 10}, nil
}
