package bfsync

// Metrics receives protocol events from a lock instance. A nil Metrics is
// never invoked, so the lock's hot path costs nothing when no caller
// wants instrumentation. The Prometheus-backed implementation lives in
// cmd/bfstress, which is the only part of this module that imports
// github.com/prometheus/client_golang — the lock package itself stays
// free of that dependency.
type Metrics interface {
	// OnRead fires once a Read call succeeds.
	OnRead()
	// OnWrite fires once a Write call succeeds.
	OnWrite()
	// OnRetreat fires each time a reader observes Forbidden and backs off.
	OnRetreat()
	// OnClone fires once a Clone call succeeds.
	OnClone()
}
