package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portfwd_build_info",
		Help: "Build information of the portfwd binary",
	}, []string{"version", "commit", "date"})

	RelaysRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfwd_relays_running", Help: "Number of relays currently serving their accept loop.",
	})
	RelayBindErrs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfwd_relay_bind_errors_total", Help: "Total relays that failed to bind their listen address.",
	})

	Accepts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfwd_accepts_total", Help: "Total inbound connections accepted across all relays.",
	})
	AcceptErrs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfwd_accept_errors_total", Help: "Total accept errors.",
	}, []string{"kind"})
	DialErrs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfwd_dial_errors_total", Help: "Total outbound dials to a target that failed.",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfwd_sessions_active", Help: "Connection sessions currently being relayed.",
	})
	RelayedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfwd_relayed_bytes_total", Help: "Total bytes relayed, by direction.",
	}, []string{"direction"})
	SessionErrs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfwd_session_errors_total", Help: "Total sessions terminated by a copy error, by direction.",
	}, []string{"direction"})
)
