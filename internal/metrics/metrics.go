// Package metrics exports flash run counters in the Prometheus format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/flash"
)

const namespace = "dfuflash"

// Collector counts erase, program and verify work and run outcomes. It
// implements flash.Recorder.
type Collector struct {
	registry *prometheus.Registry

	pagesErased   prometheus.Counter
	bytesErased   prometheus.Counter
	chunksWritten prometheus.Counter
	bytesWritten  prometheus.Counter
	bytesVerified prometheus.Counter
	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
}

var _ flash.Recorder = (*Collector)(nil)

// New returns a collector registered on its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		pagesErased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_erased_total",
			Help:      "Flash pages erased",
		}),
		bytesErased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "erased_bytes_total",
			Help:      "Bytes covered by erased pages",
		}),
		chunksWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_written_total",
			Help:      "Download blocks accepted by the device",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "written_bytes_total",
			Help:      "Payload bytes downloaded",
		}),
		bytesVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verified_bytes_total",
			Help:      "Payload bytes read back and compared",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished flash runs by outcome",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of flash runs",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
	c.registry.MustRegister(c.pagesErased, c.bytesErased, c.chunksWritten,
		c.bytesWritten, c.bytesVerified, c.runs, c.runDuration)
	for _, o := range []flash.Outcome{flash.Success, flash.Cancelled, flash.Failed} {
		c.runs.WithLabelValues(o.String())
	}
	return c
}

// Registry returns the registry the collector's metrics live in.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) PageErased(size int) {
	c.pagesErased.Inc()
	c.bytesErased.Add(float64(size))
}

func (c *Collector) ChunkWritten(size int) {
	c.chunksWritten.Inc()
	c.bytesWritten.Add(float64(size))
}

func (c *Collector) ChunkVerified(size int) {
	c.bytesVerified.Add(float64(size))
}

func (c *Collector) RunFinished(res flash.Result) {
	c.runs.WithLabelValues(res.Outcome.String()).Inc()
	c.runDuration.Observe(res.Duration.Seconds())
}

// WriteTextfile writes the current values in the node_exporter textfile
// format. The file is replaced atomically.
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}
