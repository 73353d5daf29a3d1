package quota

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var quotaReservations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "governor_quota_reservations",
	Help: "Number of committed quota reservations",
}, []string{"resource"})

var quotaDenials = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "governor_quota_denials",
	Help: "Number of reservations denied by policy",
}, []string{"resource"})
