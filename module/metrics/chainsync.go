package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/karstlabs/karst/module"
)

type ChainSyncCollector struct {
	rangesRequested         prometheus.Counter
	blocksRequested         prometheus.Counter
	justificationsRequested prometheus.Counter
	blocksQueued            prometheus.Gauge
	bestQueuedNumber        prometheus.Gauge
	importOutcomes          *prometheus.CounterVec
	peersBanned             *prometheus.CounterVec
	warpPhase               *prometheus.GaugeVec
}

var _ module.ChainSyncMetrics = (*ChainSyncCollector)(nil)

func NewChainSyncCollector() *ChainSyncCollector {

	cc := &ChainSyncCollector{

		rangesRequested: promauto.NewCounter(prometheus.CounterOpts{
			Name:      "ranges_requested_total",
			Namespace: namespaceSync,
			Subsystem: subsystemChainSync,
			Help:      "the number of block range requests sent to peers",
		}),

		blocksRequested: promauto.NewCounter(prometheus.CounterOpts{
			Name:      "blocks_requested_total",
			Namespace: namespaceSync,
			Subsystem: subsystemChainSync,
			Help:      "the total number of blocks requested from peers",
		}),

		justificationsRequested: promauto.NewCounter(prometheus.CounterOpts{
			Name:      "justifications_requested_total",
			Namespace: namespaceSync,
			Subsystem: subsystemChainSync,
			Help:      "the number of justification requests sent to peers",
		}),

		blocksQueued: promauto.NewGauge(prometheus.GaugeOpts{
			Name:      "blocks_queued",
			Namespace: namespaceSync,
			Subsystem: subsystemChainSync,
			Help:      "the number of blocks currently queued for import",
		}),

		bestQueuedNumber: promauto.NewGauge(prometheus.GaugeOpts{
			Name:      "best_queued_number",
			Namespace: namespaceSync,
			Subsystem: subsystemChainSync,
			Help:      "the highest block number queued for import",
		}),

		importOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:      "import_outcomes_total",
			Namespace: namespaceSync,
			Subsystem: subsystemChainSync,
			Help:      "the number of block import results, by outcome",
		}, []string{LabelOutcome}),

		peersBanned: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:      "peers_banned_total",
			Namespace: namespaceSync,
			Subsystem: subsystemChainSync,
			Help:      "the number of peers given a fatal reputation penalty, by reason",
		}, []string{LabelReason}),

		warpPhase: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name:      "warp_phase",
			Namespace: namespaceSync,
			Subsystem: subsystemChainSync,
			Help:      "the current warp sync phase (1 for active, 0 otherwise)",
		}, []string{LabelPhase}),
	}

	return cc
}

func (cc *ChainSyncCollector) RangeRequested(length uint32) {
	cc.rangesRequested.Inc()
	cc.blocksRequested.Add(float64(length))
}

func (cc *ChainSyncCollector) JustificationRequested() {
	cc.justificationsRequested.Inc()
}

func (cc *ChainSyncCollector) BlocksQueued(count int) {
	cc.blocksQueued.Set(float64(count))
}

func (cc *ChainSyncCollector) BestQueuedNumber(number uint64) {
	cc.bestQueuedNumber.Set(float64(number))
}

func (cc *ChainSyncCollector) ImportOutcome(outcome string) {
	cc.importOutcomes.With(prometheus.Labels{LabelOutcome: outcome}).Inc()
}

func (cc *ChainSyncCollector) PeerBanned(reason string) {
	cc.peersBanned.With(prometheus.Labels{LabelReason: reason}).Inc()
}

func (cc *ChainSyncCollector) WarpPhase(phase string) {
	cc.warpPhase.Reset()
	cc.warpPhase.With(prometheus.Labels{LabelPhase: phase}).Set(1)
}
