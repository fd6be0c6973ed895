//go:build no_serial
// +build no_serial

package main

import (
	"errors"

	"github.com/torquehook/internal/obd"
)

const defaultSim = true

func openAdapter(port string, baud int) (obd.Source, func(), error) {
	return nil, nil, errors.New("built without serial support, use --sim")
}
