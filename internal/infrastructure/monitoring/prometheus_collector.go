package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"spatialsync/internal/core/domain"
	"spatialsync/internal/core/ports"
)

// EngineCollector exports the synchronization engine's metrics.
type EngineCollector struct {
	peersConnected prometheus.Gauge
	synchronized   prometheus.Gauge
	role           *prometheus.GaugeVec

	mapsSent        *prometheus.CounterVec
	mapsReceived    prometheus.Counter
	collaboration   *prometheus.CounterVec
	payloadsDropped *prometheus.CounterVec
	captures        *prometheus.CounterVec
	uploadDuration  prometheus.Histogram
}

var _ ports.EngineMetrics = (*EngineCollector)(nil)

// NewEngineCollector registers the engine metrics with reg. A nil reg uses
// the default registerer.
func NewEngineCollector(reg prometheus.Registerer) *EngineCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &EngineCollector{
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spatialsync_peers_connected",
			Help: "Number of connected peers",
		}),

		synchronized: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spatialsync_synchronized",
			Help: "1 while the shared coordinate frame is synchronized",
		}),

		role: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spatialsync_role",
			Help: "Current session role, 1 for the active role",
		}, []string{"role"}),

		mapsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spatialsync_maps_sent_total",
			Help: "Environment map sends by outcome",
		}, []string{"result"}),

		mapsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "spatialsync_maps_received_total",
			Help: "Environment maps received from a host",
		}),

		collaboration: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spatialsync_collaboration_messages_total",
			Help: "Collaboration updates by direction",
		}, []string{"direction"}),

		payloadsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spatialsync_payloads_dropped_total",
			Help: "Peer payloads dropped by reason",
		}, []string{"reason"}),

		captures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spatialsync_captures_total",
			Help: "Frame captures by result",
		}, []string{"result"}),

		uploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "spatialsync_upload_duration_seconds",
			Help:    "Duration of frame uploads",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
	}
}

func (p *EngineCollector) SetPeers(n int) {
	p.peersConnected.Set(float64(n))
}

func (p *EngineCollector) SetSynchronized(synchronized bool) {
	if synchronized {
		p.synchronized.Set(1)
		return
	}
	p.synchronized.Set(0)
}

func (p *EngineCollector) SetRole(role domain.Role) {
	for _, r := range []domain.Role{domain.RoleIdle, domain.RoleHost, domain.RoleClient} {
		value := 0.0
		if r == role {
			value = 1
		}
		p.role.WithLabelValues(r.String()).Set(value)
	}
}

func (p *EngineCollector) MapSent(success bool) {
	if success {
		p.mapsSent.WithLabelValues("success").Inc()
		return
	}
	p.mapsSent.WithLabelValues("failure").Inc()
}

func (p *EngineCollector) MapReceived() {
	p.mapsReceived.Inc()
}

func (p *EngineCollector) CollaborationMessage(direction string) {
	p.collaboration.WithLabelValues(direction).Inc()
}

func (p *EngineCollector) PayloadDropped(reason string) {
	p.payloadsDropped.WithLabelValues(reason).Inc()
}

func (p *EngineCollector) Capture(result string) {
	p.captures.WithLabelValues(result).Inc()
}

func (p *EngineCollector) UploadDuration(d time.Duration) {
	p.uploadDuration.Observe(d.Seconds())
}

// IngestCollector exports the ingest server's metrics.
type IngestCollector struct {
	framesReceived *prometheus.CounterVec
	framesRejected *prometheus.CounterVec
	imageBytes     prometheus.Counter
	depthBytes     prometheus.Counter
	triggers       prometheus.Counter
	triggerFanout  prometheus.Histogram
	triggerClients prometheus.Gauge
}

var _ ports.IngestMetrics = (*IngestCollector)(nil)

func NewIngestCollector(reg prometheus.Registerer) *IngestCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &IngestCollector{
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spatialsync_ingest_frames_received_total",
			Help: "Frames stored, by whether depth was included",
		}, []string{"depth"}),

		framesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spatialsync_ingest_frames_rejected_total",
			Help: "Rejected uploads by reason",
		}, []string{"reason"}),

		imageBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "spatialsync_ingest_image_bytes_total",
			Help: "Bytes of JPEG images stored",
		}),

		depthBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "spatialsync_ingest_depth_bytes_total",
			Help: "Bytes of depth maps stored",
		}),

		triggers: factory.NewCounter(prometheus.CounterOpts{
			Name: "spatialsync_ingest_triggers_total",
			Help: "Capture triggers broadcast",
		}),

		triggerFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "spatialsync_ingest_trigger_clients",
			Help:    "Clients reached per capture trigger",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		}),

		triggerClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spatialsync_ingest_trigger_clients_connected",
			Help: "Devices connected to the trigger channel",
		}),
	}
}

func (p *IngestCollector) FrameReceived(depth bool, imageBytes, depthBytes int) {
	label := "false"
	if depth {
		label = "true"
	}
	p.framesReceived.WithLabelValues(label).Inc()
	p.imageBytes.Add(float64(imageBytes))
	p.depthBytes.Add(float64(depthBytes))
}

func (p *IngestCollector) FrameRejected(reason string) {
	p.framesRejected.WithLabelValues(reason).Inc()
}

func (p *IngestCollector) TriggerBroadcast(clients int) {
	p.triggers.Inc()
	p.triggerFanout.Observe(float64(clients))
}

func (p *IngestCollector) SetTriggerClients(n int) {
	p.triggerClients.Set(float64(n))
}
