package metrics

import (
	"github.com/karstlabs/karst/module"
)

// NoopCollector implements all metrics interfaces with no-ops, for tests and
// tools that do not scrape metrics.
type NoopCollector struct{}

func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

var _ module.ChainSyncMetrics = (*NoopCollector)(nil)
var _ module.EngineMetrics = (*NoopCollector)(nil)

func (nc *NoopCollector) RangeRequested(length uint32)                     {}
func (nc *NoopCollector) JustificationRequested()                          {}
func (nc *NoopCollector) BlocksQueued(count int)                           {}
func (nc *NoopCollector) BestQueuedNumber(number uint64)                   {}
func (nc *NoopCollector) ImportOutcome(outcome string)                     {}
func (nc *NoopCollector) PeerBanned(reason string)                         {}
func (nc *NoopCollector) WarpPhase(phase string)                           {}
func (nc *NoopCollector) MessageSent(engine string, message string)        {}
func (nc *NoopCollector) MessageReceived(engine string, message string)    {}
func (nc *NoopCollector) MessageHandled(engine string, message string)     {}
func (nc *NoopCollector) InboundMessageDropped(engine string, msg string)  {}
func (nc *NoopCollector) OutboundMessageDropped(engine string, msg string) {}
