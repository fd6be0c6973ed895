// publisher reads OBD-II values from an ELM327 adapter, or simulates them,
// and uploads them to a torquehook webhook the way the Torque app does.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/torquehook/internal/ingestion"
	"github.com/torquehook/internal/obd"
	"github.com/torquehook/internal/torque"
)

type options struct {
	target   string
	email    string
	deviceID string
	profile  string
	port     string
	baud     int
	sim      bool
	interval time.Duration
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var o options
	flagSet := pflag.NewFlagSet("publisher", pflag.ContinueOnError)
	flagSet.StringVar(&o.target, "url", "http://localhost:8080/api/torque", "webhook URL to upload to")
	flagSet.StringVar(&o.email, "email", "", "value of the eml parameter")
	flagSet.StringVar(&o.deviceID, "device-id", "", "value of the id parameter")
	flagSet.StringVar(&o.profile, "profile", "", "vehicle profile name")
	flagSet.StringVar(&o.port, "port", "/dev/ttyUSB0", "serial port of the ELM327 adapter")
	flagSet.IntVar(&o.baud, "baud", 38400, "serial baud rate")
	flagSet.BoolVar(&o.sim, "sim", defaultSim, "simulate readings instead of reading the serial port")
	flagSet.DurationVar(&o.interval, "interval", time.Second, "time between uploads")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if o.email == "" && o.deviceID == "" {
		return errors.New("one of --email or --device-id is required")
	}
	if _, err := url.ParseRequestURI(o.target); err != nil {
		return fmt.Errorf("invalid --url: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "publisher")

	var src obd.Source
	if o.sim {
		src = obd.NewSimulator(time.Now().UnixNano())
		logger.Info("simulating readings")
	} else {
		adapter, closeFn, err := openAdapter(o.port, o.baud)
		if err != nil {
			return err
		}
		defer closeFn()
		src = adapter
		logger.Info("reading from adapter", "port", o.port, "baud", o.baud)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return publish(ctx, o, src, &http.Client{Timeout: 5 * time.Second}, logger)
}

// publish uploads one snapshot every interval until ctx is cancelled.
func publish(ctx context.Context, o options, src obd.Source, client *http.Client, logger *slog.Logger) error {
	session := strings.ReplaceAll(uuid.NewString(), "-", "")
	codes := obd.Supported()
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		snap := torque.NewSnapshot()
		snap.Email = o.email
		snap.Device = o.deviceID
		snap.Profile = o.profile
		snap.Session = session
		snap.Version = "8"
		if err := obd.Sample(src, codes, snap, time.Now()); err != nil {
			logger.Warn("some readings failed", "error", err)
		}

		if len(snap.Values) > 0 {
			if err := upload(ctx, client, o.target, snap); err != nil {
				logger.Error("upload failed", "error", err)
			} else {
				logger.Debug("uploaded", "values", len(snap.Values))
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func upload(ctx context.Context, client *http.Client, target string, snap *torque.Snapshot) error {
	u, err := url.Parse(target)
	if err != nil {
		return err
	}
	u.RawQuery = torque.Encode(snap).Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	// an empty 200 means the server ignored the upload
	if reply := strings.TrimSpace(string(body)); reply != ingestion.ResponseOK {
		return fmt.Errorf("upload not accepted: %q", reply)
	}
	return nil
}
