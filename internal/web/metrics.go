package web

import (
	"io"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/sweeney/mpi/internal/status"
)

var metricsFormat = expfmt.NewFormat(expfmt.TypeTextPlain)

type sample struct {
	label, value string
	v            float64
}

func family(name, help string, typ dto.MetricType, samples ...sample) *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: typ.Enum(),
	}
	for _, s := range samples {
		m := &dto.Metric{}
		if s.label != "" {
			m.Label = []*dto.LabelPair{{Name: proto.String(s.label), Value: proto.String(s.value)}}
		}
		if typ == dto.MetricType_COUNTER {
			m.Counter = &dto.Counter{Value: proto.Float64(s.v)}
		} else {
			m.Gauge = &dto.Gauge{Value: proto.Float64(s.v)}
		}
		mf.Metric = append(mf.Metric, m)
	}
	return mf
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// metricFamilies converts a status snapshot into Prometheus metric families.
func metricFamilies(snap status.Snapshot, wsClients int) []*dto.MetricFamily {
	c := snap.Counters
	st := snap.Store

	lastRecords := 0.0
	if snap.Last != nil {
		lastRecords = float64(len(snap.Last.Phones))
	}

	return []*dto.MetricFamily{
		family("mpi_uptime_seconds", "Seconds since the daemon started.", dto.MetricType_GAUGE,
			sample{v: snap.Uptime().Seconds()}),
		family("mpi_events_total", "Customer events by outcome.", dto.MetricType_COUNTER,
			sample{"type", "start", float64(c.Starts)},
			sample{"type", "stop", float64(c.Stops)},
			sample{"type", "unknown_stop", float64(c.UnknownStops)},
			sample{"type", "rejected", float64(c.Rejected)}),
		family("mpi_manifests_total", "Manifest cycles by publish result.", dto.MetricType_COUNTER,
			sample{"result", "published", float64(c.Manifests)},
			sample{"result", "error", float64(c.PublishErrors)}),
		family("mpi_demoted_total", "Customers moved into cooldown to free manifest capacity.", dto.MetricType_COUNTER,
			sample{v: float64(c.Demoted)}),
		family("mpi_truncated_total", "Fresh customers dropped because capacity was exhausted.", dto.MetricType_COUNTER,
			sample{v: float64(c.Truncated)}),
		family("mpi_expired_total", "Customers removed by active or cooldown expiry.", dto.MetricType_COUNTER,
			sample{v: float64(c.Expired)}),
		family("mpi_store_records", "Records held in the store by state.", dto.MetricType_GAUGE,
			sample{"state", "active", float64(st.Active)},
			sample{"state", "cooldown", float64(st.Cooldown)},
			sample{"state", "stopped", float64(st.Stopped)},
			sample{"state", "stale", float64(st.Stale)}),
		family("mpi_manifest_records", "Customers in the last manifest.", dto.MetricType_GAUGE,
			sample{v: lastRecords}),
		family("mpi_manifest_size", "Configured manifest capacity.", dto.MetricType_GAUGE,
			sample{v: float64(snap.Config.ManifestSize)}),
		family("mpi_mqtt_connected", "1 if the broker connection is open.", dto.MetricType_GAUGE,
			sample{v: b2f(snap.MQTTConnected)}),
		family("mpi_ws_clients", "Connected live manifest clients.", dto.MetricType_GAUGE,
			sample{v: float64(wsClients)}),
	}
}

// writeMetrics writes the Prometheus text exposition of snap to w.
func writeMetrics(w io.Writer, snap status.Snapshot, wsClients int) error {
	enc := expfmt.NewEncoder(w, metricsFormat)
	for _, mf := range metricFamilies(snap, wsClients) {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
