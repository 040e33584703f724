// Package alerting turns raw anomaly-detection events into a bounded,
// prioritized and SLA-tracked set of alerts. It defines the Service
// (the per-event pipeline), the Deduplicator, Scorer, CircuitBreaker,
// SLATracker and LifecycleManager stages, the Store interface and the
// domain models they share.
package alerting
