package sink

import (
	"log/slog"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/torquehook/internal/coordinator"
	"github.com/torquehook/internal/torque"
)

// Measurement is the InfluxDB measurement every reading is written to.
const Measurement = "torque"

// PointWriter is the part of api.WriteAPI the sink uses.
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

type Influx struct {
	w      PointWriter
	close  func()
	logger *slog.Logger
}

// NewInfluxClient connects the non-blocking write API of bucket and logs its
// asynchronous write errors.
func NewInfluxClient(url, token, org, bucket string, logger *slog.Logger) *Influx {
	client := influxdb2.NewClient(url, token)
	writeAPI := client.WriteAPI(org, bucket)
	in := NewInflux(writeAPI, logger)
	in.close = client.Close

	go func() {
		for err := range writeAPI.Errors() {
			in.logger.Error("write failed", "error", err)
		}
	}()
	return in
}

func NewInflux(w PointWriter, logger *slog.Logger) *Influx {
	return &Influx{w: w, logger: logger.With("component", "sink.influx")}
}

// Listener writes one point per numeric sensor value of u.
func (in *Influx) Listener(u coordinator.Update) {
	for _, st := range u.Sensors {
		v, ok := numeric(st)
		if !ok {
			continue
		}
		tags := map[string]string{
			"account": st.AccountID,
			"pid":     torque.FormatPID(st.PID),
			"name":    st.Name,
		}
		if st.Unit != "" {
			tags["unit"] = st.Unit
		}
		if st.Profile != "" {
			tags["profile"] = st.Profile
		}
		ts := st.UpdatedAt
		if ts.IsZero() {
			ts = u.Received
		}
		in.w.WritePoint(influxdb2.NewPoint(Measurement, tags, map[string]interface{}{"value": v}, ts))
	}
}

func (in *Influx) Close() error {
	in.w.Flush()
	if in.close != nil {
		in.close()
	}
	return nil
}
