// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	InstanceClones   prometheus.Counter
	InstanceDeletes  prometheus.Counter
	TemplateUploads  prometheus.Counter
	UploadRejects    prometheus.Counter
	NetworksCreated  prometheus.Counter
	GCSweeps         prometheus.Counter
	GCDeletedVMs     prometheus.Counter
	GCFailures       prometheus.Counter
	CascadeFailures  prometheus.Counter
	DiskUsedPercent  prometheus.Gauge
	CloneDurationSec prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		InstanceClones: factory.NewCounter(prometheus.CounterOpts{
			Name: "labd_instance_clones_total",
			Help: "VM instances cloned from templates",
		}),
		InstanceDeletes: factory.NewCounter(prometheus.CounterOpts{
			Name: "labd_instance_deletes_total",
			Help: "VM instances destroyed on the backend",
		}),
		TemplateUploads: factory.NewCounter(prometheus.CounterOpts{
			Name: "labd_template_uploads_total",
			Help: "Disk images imported as VM templates",
		}),
		UploadRejects: factory.NewCounter(prometheus.CounterOpts{
			Name: "labd_upload_rejects_total",
			Help: "Uploads rejected before transfer (bad signature or oversize)",
		}),
		NetworksCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "labd_lab_networks_created_total",
			Help: "Isolated lab networks provisioned",
		}),
		GCSweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "labd_gc_sweeps_total",
			Help: "Garbage-collection sweeps run",
		}),
		GCDeletedVMs: factory.NewCounter(prometheus.CounterOpts{
			Name: "labd_gc_deleted_vms_total",
			Help: "Expired VM instances deleted by the garbage collector",
		}),
		GCFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "labd_gc_failures_total",
			Help: "Per-VM deletion failures during garbage collection",
		}),
		CascadeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "labd_cascade_failures_total",
			Help: "Individual child failures inside deletion cascades",
		}),
		DiskUsedPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "labd_backend_disk_used_percent",
			Help: "Used fraction of the backend image volume, in percent",
		}),
		CloneDurationSec: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "labd_clone_duration_seconds",
			Help:    "Wall time of a single clone, including task polling",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
	}
}

// Handler serves this registry, for mounting at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
