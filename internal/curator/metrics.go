package curator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FixesStored tracks how many confirmed fixes each database holds.
	// Labels: db_id
	FixesStored = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sqlrecall",
			Subsystem: "curator",
			Name:      "fixes_stored",
			Help:      "Number of confirmed fixes stored per database",
		},
		[]string{"db_id"},
	)

	// SavesTotal counts save attempts.
	// Labels: db_id, outcome (inserted, duplicate)
	SavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sqlrecall",
			Subsystem: "curator",
			Name:      "saves_total",
			Help:      "Total number of confirmed fix saves by outcome",
		},
		[]string{"db_id", "outcome"},
	)

	// PrunedTotal counts evicted fixes.
	PrunedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sqlrecall",
			Subsystem: "curator",
			Name:      "pruned_total",
			Help:      "Total number of confirmed fixes evicted by pruning",
		},
		[]string{"db_id"},
	)
)

func recordSave(dbID string, outcome Outcome) {
	SavesTotal.WithLabelValues(dbID, string(outcome)).Inc()
}

func recordPruned(dbID string, n int) {
	PrunedTotal.WithLabelValues(dbID).Add(float64(n))
}

func setStored(dbID string, n int) {
	FixesStored.WithLabelValues(dbID).Set(float64(n))
}
