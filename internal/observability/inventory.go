package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vaxinv/vaxinv/internal/inventory"
)

// InventoryMetrics counts ledger outcomes. It satisfies inventory.Observer
// and coldchain.Observer.
type InventoryMetrics struct {
	doses         *prometheus.CounterVec
	fefoOverrides prometheus.Counter
	adjustments   *prometheus.CounterVec
	adjustedDoses *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	readings      *prometheus.CounterVec
}

// NewInventoryMetrics registers the collectors against registerer.
func NewInventoryMetrics(registerer prometheus.Registerer) *InventoryMetrics {
	m := &InventoryMetrics{
		doses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vaxinv_doses_administered_total",
			Help: "Doses administered by vaccine and funding source.",
		}, []string{"vaccine_id", "funding_source"}),
		fefoOverrides: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaxinv_fefo_overrides_total",
			Help: "Doses drawn from a lot other than the first-expiring one.",
		}),
		adjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vaxinv_adjustments_total",
			Help: "Ledger adjustments by type.",
		}, []string{"type"}),
		adjustedDoses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vaxinv_adjusted_doses_total",
			Help: "Doses moved or written off by adjustment type.",
		}, []string{"type"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vaxinv_rejections_total",
			Help: "Requests refused by a ledger rule.",
		}, []string{"operation", "reason"}),
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vaxinv_temperature_readings_total",
			Help: "Temperature readings by range status.",
		}, []string{"out_of_range"}),
	}
	registerer.MustRegister(m.doses, m.fefoOverrides, m.adjustments, m.adjustedDoses, m.rejections, m.readings)
	return m
}

// DoseAdministered implements inventory.Observer.
func (m *InventoryMetrics) DoseAdministered(vaccineID int64, funding inventory.FundingSource, fefoOverride bool) {
	m.doses.WithLabelValues(strconv.FormatInt(vaccineID, 10), string(funding)).Inc()
	if fefoOverride {
		m.fefoOverrides.Inc()
	}
}

// AdjustmentApplied implements inventory.Observer.
func (m *InventoryMetrics) AdjustmentApplied(t inventory.AdjustmentType, quantity int) {
	m.adjustments.WithLabelValues(string(t)).Inc()
	if quantity > 0 {
		m.adjustedDoses.WithLabelValues(string(t)).Add(float64(quantity))
	}
}

// Rejected implements inventory.Observer.
func (m *InventoryMetrics) Rejected(operation, reason string) {
	m.rejections.WithLabelValues(operation, reason).Inc()
}

// ReadingRecorded implements coldchain.Observer.
func (m *InventoryMetrics) ReadingRecorded(outOfRange bool) {
	m.readings.WithLabelValues(strconv.FormatBool(outOfRange)).Inc()
}
