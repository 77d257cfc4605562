package metrics

// Prometheus namespace and subsystems for all collectors in this module.
const (
	namespaceSync = "karst_sync"

	subsystemChainSync = "chainsync"
	subsystemEngine    = "engine"
)
