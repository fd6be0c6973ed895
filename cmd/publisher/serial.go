//go:build !no_serial
// +build !no_serial

package main

import (
	"fmt"
	"time"

	"github.com/tarm/serial"

	"github.com/torquehook/internal/obd"
)

const defaultSim = false

func openAdapter(port string, baud int) (obd.Source, func(), error) {
	c := &serial.Config{Name: port, Baud: baud, ReadTimeout: 5 * time.Second}
	s, err := serial.OpenPort(c)
	if err != nil {
		return nil, nil, fmt.Errorf("open serial %s: %w", port, err)
	}
	elm := obd.NewELM327(s)
	if err := elm.Init(); err != nil {
		s.Close()
		return nil, nil, fmt.Errorf("init adapter on %s: %w", port, err)
	}
	return elm, func() { s.Close() }, nil
}
