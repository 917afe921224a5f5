package worker

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/atomic"
)

// metrics tracks per-run progress. Counters are mirrored into a private
// Prometheus registry so a run can leave a textfile-collector snapshot
// behind; cluster nodes have no scrape endpoint, the node exporter picks
// the file up instead.
type metrics struct {
	registry *prometheus.Registry

	processed *atomic.Int64
	outcomes  map[Outcome]*atomic.Int64

	processedC prometheus.Counter
	outcomeC   *prometheus.CounterVec
}

func newMetrics(partitionIndex int) *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"partition": fmt.Sprint(partitionIndex)}
	return &metrics{
		registry:  reg,
		processed: atomic.NewInt64(0),
		outcomes: map[Outcome]*atomic.Int64{
			Accepted: atomic.NewInt64(0),
			Rejected: atomic.NewInt64(0),
			Failed:   atomic.NewInt64(0),
		},
		processedC: factory.NewCounter(prometheus.CounterOpts{
			Name:        "docking_items_processed_total",
			Help:        "Molecules attempted by this worker run",
			ConstLabels: labels,
		}),
		outcomeC: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "docking_item_outcomes_total",
			Help:        "Attempted molecules by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
	}
}

func (m *metrics) observe(res Result) {
	m.processed.Inc()
	m.outcomes[res.Outcome].Inc()
	m.processedC.Inc()
	m.outcomeC.WithLabelValues(res.Outcome.String()).Inc()
}

// writeTextfile dumps the registry in Prometheus text exposition format
// to metrics_<index>.prom under dir.
func (m *metrics) writeTextfile(dir string, partitionIndex int) error {
	families, err := m.registry.Gather()
	if err != nil {
		return errors.Wrap(err, "gather metrics")
	}
	path := filepath.Join(dir, fmt.Sprintf("metrics_%d.prom", partitionIndex))
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create metrics file")
	}
	defer f.Close()

	enc := expfmt.NewEncoder(f, expfmt.FmtText)
	for _, fam := range families {
		if err := enc.Encode(fam); err != nil {
			return errors.Wrap(err, "encode metrics")
		}
	}
	return nil
}
