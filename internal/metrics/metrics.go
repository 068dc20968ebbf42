// Package metrics exposes the node's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UplinksSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lorawan_node",
			Name:      "uplinks_sent_total",
			Help:      "The total number of uplink frames transmitted",
		},
	)

	DownlinksReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lorawan_node",
			Name:      "downlinks_received_total",
			Help:      "The total number of accepted downlink frames",
		},
	)

	JoinAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lorawan_node",
			Name:      "join_attempts_total",
			Help:      "The total number of OTAA join attempts",
		},
	)

	JoinsSucceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lorawan_node",
			Name:      "joins_succeeded_total",
			Help:      "The total number of successful activations",
		},
	)

	MICFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lorawan_node",
			Name:      "mic_failures_total",
			Help:      "The total number of downlinks dropped for a bad MIC",
		},
	)

	CRCErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lorawan_node",
			Name:      "crc_errors_total",
			Help:      "The total number of receptions dropped for a CRC error",
		},
	)

	ConfirmRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lorawan_node",
			Name:      "confirm_retries_total",
			Help:      "The total number of confirmed-uplink retransmissions",
		},
	)

	DutyCycleBlocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lorawan_node",
			Name:      "duty_cycle_blocks_total",
			Help:      "The total number of transmissions delayed by the duty-cycle gate",
		},
	)

	FCntUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lorawan_node",
			Name:      "fcnt_up",
			Help:      "Current uplink frame counter",
		},
	)

	FCntDown = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lorawan_node",
			Name:      "fcnt_down",
			Help:      "Current downlink frame counter",
		},
	)

	LastRSSI = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lorawan_node",
			Name:      "last_rssi_dbm",
			Help:      "RSSI of the last received packet",
		},
	)

	LastSNR = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lorawan_node",
			Name:      "last_snr_db",
			Help:      "SNR of the last received packet",
		},
	)
)
