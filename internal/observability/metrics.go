package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/bcnet/internal/backchannel"
	"github.com/danmuck/bcnet/internal/peer"
	"github.com/danmuck/bcnet/internal/protocol/control"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bcnet",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bcnet",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	peerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bcnet",
			Subsystem: "peer",
			Name:      "requests_total",
			Help:      "Control requests answered by the peer, by channel and response status.",
		},
		[]string{"kind", "status"},
	)
	peerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bcnet",
			Subsystem: "peer",
			Name:      "request_duration_seconds",
			Help:      "Time the peer spent answering a control request, in seconds.",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		},
		[]string{"kind"},
	)
	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bcnet",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Backchannel control operations by result code.",
		},
		[]string{"op", "code"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bcnet",
			Subsystem: "rpc",
			Name:      "duration_seconds",
			Help:      "Backchannel control operation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, peerRequests, peerDuration, rpcRequests, rpcDuration)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordRPC(op string, code backchannel.Code, duration time.Duration) {
	RegisterMetrics()
	rpcRequests.WithLabelValues(op, code.String()).Inc()
	rpcDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RPCObserver feeds backchannel client outcomes into the rpc metrics.
type RPCObserver struct{}

func (RPCObserver) ObserveRPC(op string, code backchannel.Code, elapsed time.Duration) {
	RecordRPC(op, code, elapsed)
}

func RecordPeerRequest(kind control.Kind, status uint8, duration time.Duration) {
	RegisterMetrics()
	peerRequests.WithLabelValues(kind.String(), peer.StatusName(status)).Inc()
	peerDuration.WithLabelValues(kind.String()).Observe(duration.Seconds())
}

// PeerObserver feeds peer request outcomes into the peer metrics.
type PeerObserver struct{}

func (PeerObserver) ObserveRequest(kind control.Kind, status uint8, elapsed time.Duration) {
	RecordPeerRequest(kind, status, elapsed)
}

// PeerGauges exposes live peer state as gauges read at scrape time.
type PeerGauges struct {
	Sessions    func() int64
	Connections func() int
}

// RegisterPeerGauges registers the peer gauges on reg.
func RegisterPeerGauges(reg prometheus.Registerer, g PeerGauges) error {
	sessions := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "bcnet",
		Subsystem: "peer",
		Name:      "sessions",
		Help:      "Streams currently served by the peer.",
	}, func() float64 { return float64(g.Sessions()) })
	connections := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "bcnet",
		Subsystem: "peer",
		Name:      "connections",
		Help:      "Connections held in the peer table.",
	}, func() float64 { return float64(g.Connections()) })
	if err := reg.Register(sessions); err != nil {
		return err
	}
	return reg.Register(connections)
}
