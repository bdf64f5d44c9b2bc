package relay

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeUnicastHit       = "unicast_hit"
	outcomeUnicastMiss      = "unicast_miss"
	outcomeBroadcast        = "broadcast"
	outcomeMalformed        = "malformed"
	outcomePairingForwarded = "pairing_forwarded"
	outcomePairingNoDesktop = "pairing_no_desktop"
)

// Metrics counts relay decisions by outcome, grounded on the
// observability/metrics packages in Klickk-SecuMSG-Server (a
// prometheus.CounterVec per concern, registered once at startup).
type Metrics struct {
	framesTotal *prometheus.CounterVec
}

// NewMetrics builds an unregistered Metrics instance. Call Register to
// attach it to a prometheus.Registerer.
func NewMetrics() *Metrics {
	return &Metrics{
		framesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_relay_frames_total",
				Help: "Total number of relay frames processed, by outcome.",
			},
			[]string{"outcome"},
		),
	}
}

// Register attaches m's collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m.framesTotal)
}

func (m *Metrics) observe(outcome string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(outcome).Inc()
}
