package telemetry

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/iotelec/simulator-core/internal/infrastructure/config"
)

// Default timeouts and batching values.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultBatchSize      = 100
	defaultFlushInterval  = 10 // seconds

	// millisecondsPerSecond converts seconds to milliseconds for the InfluxDB API.
	millisecondsPerSecond = 1000
)

// measurementName is the measurement outbound device messages land in.
const measurementName = "device_messages"

// Logger is the logging interface used by the recorder.
type Logger interface {
	Warn(msg string, args ...any)
}

// Recorder writes every outbound device message to InfluxDB so the
// simulated telemetry can be graphed and analysed alongside real fleets.
//
// Writes are non-blocking and batched; a failed write is logged and
// dropped, never surfaced to the publishing device.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   Logger
}

// Connect creates a recorder against the configured InfluxDB server.
//
// Returns ErrDisabled when telemetry is switched off in config; callers
// treat that as "run without a recorder", not a failure.
func Connect(cfg config.InfluxDBConfig, logger Logger) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	// #nosec G115 -- values validated above to be positive
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	r := &Recorder{
		client:   client,
		writeAPI: writeAPI,
		logger:   logger,
	}
	go r.handleWriteErrors(writeAPI.Errors())

	return r, nil
}

// handleWriteErrors logs async write failures from the WriteAPI.
func (r *Recorder) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		if r.logger != nil {
			r.logger.Warn("telemetry write failed", "error", err)
		}
	}
}

// RecordMessage writes one outbound device message as a point tagged by
// session, device and message name. Numeric and boolean payload
// attributes become fields; text attributes are stored as strings.
// Non-blocking; safe to call from device send paths.
func (r *Recorder) RecordMessage(sessionID, deviceID, message string, payload map[string]any) {
	if r == nil {
		return
	}

	fields := make(map[string]any, len(payload))
	for name, value := range payload {
		switch v := value.(type) {
		case float64, int, int64, bool, string:
			fields[name] = v
		default:
			fields[name] = fmt.Sprintf("%v", v)
		}
	}
	if len(fields) == 0 {
		fields["_empty"] = true
	}

	point := influxdb2.NewPoint(
		measurementName,
		map[string]string{
			"session_id": sessionID,
			"device_id":  deviceID,
			"message":    message,
		},
		fields,
		time.Now(),
	)
	r.writeAPI.WritePoint(point)
}

// Close flushes pending writes and releases the client.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.writeAPI.Flush()
	r.client.Close()
}
