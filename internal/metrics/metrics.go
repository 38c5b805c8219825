package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"tacitus/internal/metric"
	"tacitus/internal/tacitus"

	"github.com/prometheus/client_golang/prometheus"
)

// Fetch results used as the "result" label
const (
	ResultSuccess     = "success"
	ResultUnavailable = "unavailable"
	ResultUnreachable = "unreachable"
	ResultInvalid     = "invalid"
	ResultError       = "error"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	DriveTemperature  *prometheus.GaugeVec
	DriveSmartProblem *prometheus.GaugeVec
	DrivePowerMode    *prometheus.GaugeVec
	PoolSize          *prometheus.GaugeVec
	PoolAllocated     *prometheus.GaugeVec
	PoolHealthy       *prometheus.GaugeVec
	ResourceUp        *prometheus.GaugeVec
	Records           *prometheus.GaugeVec
	Fetches           *prometheus.CounterVec
	FetchDuration     *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DriveTemperature: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tacitus_drive_temperature_celsius",
				Help: "Drive temperature in Celsius",
			},
			[]string{"serial", "device", "model"},
		),
		DriveSmartProblem: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tacitus_drive_smart_problem",
				Help: "Whether the drive failed its S.M.A.R.T. self-assessment (1=problem)",
			},
			[]string{"serial", "device"},
		),
		DrivePowerMode: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tacitus_drive_power_mode",
				Help: "Drive power mode, 1 for the reported mode",
			},
			[]string{"serial", "device", "mode"},
		),
		PoolSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tacitus_zpool_size",
				Help: "Pool size as reported by the API, when numeric",
			},
			[]string{"pool"},
		),
		PoolAllocated: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tacitus_zpool_allocated",
				Help: "Allocated pool space as reported by the API, when numeric",
			},
			[]string{"pool"},
		),
		PoolHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tacitus_zpool_healthy",
				Help: "Pool health (1=ONLINE, 0=anything else)",
			},
			[]string{"pool", "health"},
		),
		ResourceUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tacitus_up",
				Help: "Whether the last fetch of the resource succeeded",
			},
			[]string{"resource"},
		),
		Records: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tacitus_records",
				Help: "Number of records in the last successful snapshot",
			},
			[]string{"resource"},
		),
		Fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tacitus_fetches_total",
				Help: "Remote fetches by resource and result",
			},
			[]string{"resource", "result"},
		),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tacitus_fetch_duration_seconds",
				Help:    "Duration of remote fetches",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"resource"},
		),
	}

	reg.MustRegister(
		m.DriveTemperature,
		m.DriveSmartProblem,
		m.DrivePowerMode,
		m.PoolSize,
		m.PoolAllocated,
		m.PoolHealthy,
		m.ResourceUp,
		m.Records,
		m.Fetches,
		m.FetchDuration,
	)

	return m
}

// Reset clears the per-record series of resource
func (m *Metrics) Reset(resource tacitus.Resource) {
	switch resource {
	case tacitus.ResourceDrives:
		m.DriveTemperature.Reset()
		m.DriveSmartProblem.Reset()
		m.DrivePowerMode.Reset()
	case tacitus.ResourceZpools:
		m.PoolSize.Reset()
		m.PoolAllocated.Reset()
		m.PoolHealthy.Reset()
	}
}

// ObserveSnapshot replaces the series of snap's resource with the values it carries.
// Records without an identity and fields that are absent produce no series.
func (m *Metrics) ObserveSnapshot(snap *tacitus.Snapshot) {
	if snap == nil {
		return
	}

	m.Reset(snap.Resource)
	m.ResourceUp.WithLabelValues(string(snap.Resource)).Set(1)
	m.Records.WithLabelValues(string(snap.Resource)).Set(float64(snap.Len()))

	switch snap.Resource {
	case tacitus.ResourceDrives:
		for _, record := range snap.Records {
			m.observeDrive(record)
		}
	case tacitus.ResourceZpools:
		for _, record := range snap.Records {
			m.observePool(record)
		}
	}
}

// ObserveFailure marks resource as down and drops its per-record series
func (m *Metrics) ObserveFailure(resource tacitus.Resource) {
	m.Reset(resource)
	m.ResourceUp.WithLabelValues(string(resource)).Set(0)
}

func (m *Metrics) observeDrive(record tacitus.Record) {
	serial, ok := record.String("serial_number")
	if !ok || serial == "" {
		return
	}
	device, _ := record.String("block_device_path")
	model, _ := record.String("model_name")

	if v, ok := record.Lookup("temperature"); ok {
		if temp, ok := metric.Float(v); ok {
			m.DriveTemperature.WithLabelValues(serial, device, model).Set(temp)
		}
	}

	if v, ok := record.Lookup("smart_status_passed"); ok {
		if problem, ok := metric.InvertBool(v); ok {
			m.DriveSmartProblem.WithLabelValues(serial, device).Set(boolFloat(problem.(bool)))
		}
	}

	if mode, ok := record.String("power_mode"); ok && mode != "" {
		m.DrivePowerMode.WithLabelValues(serial, device, mode).Set(1)
	}
}

func (m *Metrics) observePool(record tacitus.Record) {
	name, ok := record.String("name")
	if !ok || name == "" {
		return
	}

	if v, ok := record.Lookup("size"); ok {
		if size, ok := metric.Float(v); ok {
			m.PoolSize.WithLabelValues(name).Set(size)
		}
	}

	if v, ok := record.Lookup("alloc"); ok {
		if alloc, ok := metric.Float(v); ok {
			m.PoolAllocated.WithLabelValues(name).Set(alloc)
		}
	}

	if health, ok := record.String("health"); ok && health != "" {
		m.PoolHealthy.WithLabelValues(name, health).Set(boolFloat(strings.EqualFold(health, "ONLINE")))
	}
}

// ObserveFetch counts one remote fetch and its duration
func (m *Metrics) ObserveFetch(resource tacitus.Resource, elapsed time.Duration, err error) {
	m.Fetches.WithLabelValues(string(resource), Result(err)).Inc()
	m.FetchDuration.WithLabelValues(string(resource)).Observe(elapsed.Seconds())
}

// Result classifies a fetch error into a "result" label value
func Result(err error) string {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, tacitus.ErrUnreachable), errors.Is(err, context.DeadlineExceeded):
		return ResultUnreachable
	case errors.Is(err, tacitus.ErrResponseInvalid):
		return ResultInvalid
	}
	if _, ok := tacitus.IsUnavailable(err); ok {
		return ResultUnavailable
	}
	return ResultError
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// instrumentedFetcher records every call that actually reaches the remote API
type instrumentedFetcher struct {
	next    tacitus.Fetcher
	metrics *Metrics
}

// InstrumentFetcher wraps next so each fetch is counted and timed
func InstrumentFetcher(next tacitus.Fetcher, m *Metrics) tacitus.Fetcher {
	return &instrumentedFetcher{next: next, metrics: m}
}

func (f *instrumentedFetcher) BaseURL() string {
	return f.next.BaseURL()
}

func (f *instrumentedFetcher) Fetch(ctx context.Context, resource tacitus.Resource) (*tacitus.Snapshot, error) {
	start := time.Now()
	snap, err := f.next.Fetch(ctx, resource)
	f.metrics.ObserveFetch(resource, time.Since(start), err)
	return snap, err
}
