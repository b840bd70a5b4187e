// Package metrics constructs the metrics the application will track and
// exposes them in the prometheus exposition format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vetclinic/ledger/foundation/blockchain/database"
)

// Set of values used for the vote label.
const (
	VoteYes     = "yes"
	VoteNo      = "no"
	VoteTimeout = "timeout"
	VoteError   = "error"
)

// Set of values used for the verify result label.
const (
	VerifyOK      = "ok"
	VerifyInvalid = "invalid"
	VerifyError   = "error"
)

// Metrics holds the collectors for a single node. Every collector is
// registered with a private registry so more than one node can live in the
// same process.
type Metrics struct {
	node     string
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	httpExceptions *prometheus.CounterVec

	chainHeight *prometheus.GaugeVec
	mempoolSize *prometheus.GaugeVec

	txSubmitted *prometheus.CounterVec
	txRejected  *prometheus.CounterVec

	votes *prometheus.CounterVec

	verifyTotal    *prometheus.CounterVec
	verifyDuration *prometheus.HistogramVec
}

// New constructs the metrics for the named node.
func New(node string) *Metrics {
	m := Metrics{
		node:     node,
		registry: prometheus.NewRegistry(),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "path"}),

		httpExceptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_exceptions_total",
			Help: "Total number of panics raised during request handling",
		}, []string{"path"}),

		chainHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blockchain_chain_height",
			Help: "Current blockchain height on node",
		}, []string{"node"}),

		mempoolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blockchain_mempool_size",
			Help: "Current mempool size on node",
		}, []string{"node"}),

		txSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tx_submitted_total",
			Help: "Total transactions submitted/accepted by node",
		}, []string{"node"}),

		txRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tx_rejected_total",
			Help: "Total transactions rejected by node",
		}, []string{"node", "reason"}),

		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_votes_total",
			Help: "Total votes cast by node",
		}, []string{"node", "vote"}),

		verifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chain_verify_total",
			Help: "Total chain verification runs",
		}, []string{"node", "result"}),

		verifyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chain_verify_duration_seconds",
			Help:    "Chain verification duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"node"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.httpExceptions,
		m.chainHeight,
		m.mempoolSize,
		m.txSubmitted,
		m.txRejected,
		m.votes,
		m.verifyTotal,
		m.verifyDuration,
	)

	return &m
}

// Handler returns the http handler serving the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// =============================================================================

// ObserveRequest records a completed http request.
func (m *Metrics) ObserveRequest(method string, path string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// Panic records a panic recovered while handling a request.
func (m *Metrics) Panic(path string) {
	m.httpExceptions.WithLabelValues(path).Inc()
}

// SetChainStatus records the current height and mempool size.
func (m *Metrics) SetChainStatus(height uint64, mempool int) {
	m.chainHeight.WithLabelValues(m.node).Set(float64(height))
	m.mempoolSize.WithLabelValues(m.node).Set(float64(mempool))
}

// ChainReader is the behavior required to read the chain gauges.
type ChainReader interface {
	LatestBlock() (database.Block, error)
	Mempool() ([]database.Tx, error)
}

// ObserveChain reads the tip and the mempool and updates the gauges. Read
// errors leave the gauges untouched.
func (m *Metrics) ObserveChain(cr ChainReader) {
	tip, err := cr.LatestBlock()
	if err != nil {
		return
	}

	mempool, err := cr.Mempool()
	if err != nil {
		return
	}

	m.SetChainStatus(tip.Index, len(mempool))
}

// TxSubmitted records a transaction accepted by the node.
func (m *Metrics) TxSubmitted() {
	m.txSubmitted.WithLabelValues(m.node).Inc()
}

// TxRejected records a transaction turned away for the reason.
func (m *Metrics) TxRejected(reason string) {
	m.txRejected.WithLabelValues(m.node, reason).Inc()
}

// Vote records a vote cast by or collected by the node.
func (m *Metrics) Vote(vote string) {
	m.votes.WithLabelValues(m.node, vote).Inc()
}

// ChainVerified records a verification run and how long it took.
func (m *Metrics) ChainVerified(result string, d time.Duration) {
	m.verifyTotal.WithLabelValues(m.node, result).Inc()
	m.verifyDuration.WithLabelValues(m.node).Observe(d.Seconds())
}
