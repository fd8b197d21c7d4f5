package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Offload counts client-side offload activity. A nil *Offload records nothing.
type Offload struct {
	Actions   *prometheus.CounterVec
	Transfers *prometheus.CounterVec
}

// NewOffload creates the client collectors and registers them on reg when reg is non-nil.
func NewOffload(reg prometheus.Registerer) *Offload {
	o := &Offload{
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heavy_http_client_actions_total",
			Help: "Offload protocol actions sent by the client.",
		}, []string{"direction", "action"}),

		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heavy_http_client_transfers_total",
			Help: "Offloaded transfers by direction and outcome.",
		}, []string{"direction", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(o.Actions, o.Transfers)
	}
	return o
}

// ObserveAction records one protocol action sent for direction ("upload" or "download").
func (o *Offload) ObserveAction(direction, action string) {
	if o == nil {
		return
	}
	o.Actions.WithLabelValues(direction, action).Inc()
}

// ObserveTransfer records the outcome of one offloaded transfer.
func (o *Offload) ObserveTransfer(direction, outcome string) {
	if o == nil {
		return
	}
	o.Transfers.WithLabelValues(direction, outcome).Inc()
}
