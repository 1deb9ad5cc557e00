// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus collectors for a service bus
// process: handle counts, channel traffic, data pipe throughput, and
// shell instance lifecycle.
//
// Every method is safe on a nil *Metrics, so components take an
// optional *Metrics and record unconditionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every collector name.
const Namespace = "servicebus"

// Metrics is the set of collectors for one process.
type Metrics struct {
	handlesOpen       prometheus.Gauge
	pipesCreated      *prometheus.CounterVec
	channelsOpen      prometheus.Gauge
	framesSent        prometheus.Counter
	framesReceived    prometheus.Counter
	frameBytesSent    prometheus.Counter
	frameBytesRecv    prometheus.Counter
	framesRejected    prometheus.Counter
	dataPipeBytes     *prometheus.CounterVec
	instancesRunning  prometheus.Gauge
	connectsTotal     *prometheus.CounterVec
	processesRunning  prometheus.Gauge
	processExitsTotal *prometheus.CounterVec
}

// New creates the collectors and registers them with registerer. A nil
// registerer leaves them unregistered, which tests use to read values
// without global state.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		handlesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "handles_open",
			Help:      "Handles currently present in the handle table",
		}),
		pipesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "pipes_created_total",
			Help:      "Pipes created, by kind",
		}, []string{"kind"}),
		channelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "channel",
			Name:      "open",
			Help:      "OS channels to peer nodes currently open",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "channel",
			Name:      "frames_sent_total",
			Help:      "Frames written to peer channels",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "channel",
			Name:      "frames_received_total",
			Help:      "Frames read from peer channels",
		}),
		frameBytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "channel",
			Name:      "bytes_sent_total",
			Help:      "Frame bytes written to peer channels, after compression",
		}),
		frameBytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "channel",
			Name:      "bytes_received_total",
			Help:      "Frame bytes read from peer channels, before decompression",
		}),
		framesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "channel",
			Name:      "frames_rejected_total",
			Help:      "Frames that failed integrity or decoding checks",
		}),
		dataPipeBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "data_pipe",
			Name:      "bytes_total",
			Help:      "Bytes committed to or consumed from data pipes",
		}, []string{"direction"}),
		instancesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "shell",
			Name:      "instances_running",
			Help:      "Application instances currently registered with the shell",
		}),
		connectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "shell",
			Name:      "connects_total",
			Help:      "Connect requests handled by the shell, by result",
		}, []string{"result"}),
		processesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "launcher",
			Name:      "processes_running",
			Help:      "Native application processes currently running",
		}),
		processExitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "launcher",
			Name:      "process_exits_total",
			Help:      "Native application process exits, by outcome",
		}, []string{"outcome"}),
	}
	if registerer != nil {
		registerer.MustRegister(
			m.handlesOpen, m.pipesCreated, m.channelsOpen,
			m.framesSent, m.framesReceived, m.frameBytesSent, m.frameBytesRecv, m.framesRejected,
			m.dataPipeBytes, m.instancesRunning, m.connectsTotal,
			m.processesRunning, m.processExitsTotal,
		)
	}
	return m
}

// Handler serves the collectors registered with gatherer in the
// Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// HandlesAdded records n handles entering the handle table.
func (m *Metrics) HandlesAdded(n int) {
	if m == nil {
		return
	}
	m.handlesOpen.Add(float64(n))
}

// HandlesRemoved records n handles leaving the handle table.
func (m *Metrics) HandlesRemoved(n int) {
	if m == nil {
		return
	}
	m.handlesOpen.Sub(float64(n))
}

// PipeCreated records a new pipe of the given kind ("message", "data",
// "shared_buffer").
func (m *Metrics) PipeCreated(kind string) {
	if m == nil {
		return
	}
	m.pipesCreated.WithLabelValues(kind).Inc()
}

// ChannelOpened records a peer channel starting.
func (m *Metrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.channelsOpen.Inc()
}

// ChannelClosed records a peer channel shutting down.
func (m *Metrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.channelsOpen.Dec()
}

// FrameSent records one frame of size bytes written.
func (m *Metrics) FrameSent(size int) {
	if m == nil {
		return
	}
	m.framesSent.Inc()
	m.frameBytesSent.Add(float64(size))
}

// FrameReceived records one frame of size bytes read.
func (m *Metrics) FrameReceived(size int) {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
	m.frameBytesRecv.Add(float64(size))
}

// FrameRejected records a frame that failed validation.
func (m *Metrics) FrameRejected() {
	if m == nil {
		return
	}
	m.framesRejected.Inc()
}

// DataPipeWritten records n bytes committed by a producer.
func (m *Metrics) DataPipeWritten(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dataPipeBytes.WithLabelValues("written").Add(float64(n))
}

// DataPipeRead records n bytes consumed (read or discarded).
func (m *Metrics) DataPipeRead(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dataPipeBytes.WithLabelValues("read").Add(float64(n))
}

// InstanceCreated records an application instance registering.
func (m *Metrics) InstanceCreated() {
	if m == nil {
		return
	}
	m.instancesRunning.Inc()
}

// InstanceDestroyed records an application instance going away.
func (m *Metrics) InstanceDestroyed() {
	if m == nil {
		return
	}
	m.instancesRunning.Dec()
}

// Connect records the outcome of a connect request ("ok" or an error
// code name).
func (m *Metrics) Connect(result string) {
	if m == nil {
		return
	}
	m.connectsTotal.WithLabelValues(result).Inc()
}

// ProcessStarted records a native application process starting.
func (m *Metrics) ProcessStarted() {
	if m == nil {
		return
	}
	m.processesRunning.Inc()
}

// ProcessExited records a native application process exiting.
func (m *Metrics) ProcessExited(success bool) {
	if m == nil {
		return
	}
	m.processesRunning.Dec()
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.processExitsTotal.WithLabelValues(outcome).Inc()
}
