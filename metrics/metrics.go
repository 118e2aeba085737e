// Package metrics exposes Prometheus collectors for the sync engine.
//
// A nil *Metrics is valid and records nothing, so components can take an
// optional metrics handle without guarding every call.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatsync"

// Metrics groups the engine's collectors.
type Metrics struct {
	duplicates    *prometheus.CounterVec
	subscriptions *prometheus.GaugeVec
	commits       *prometheus.CounterVec
	rollbacks     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when reg is non-nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_dropped_total",
			Help:      "Entities ignored because their id was already present.",
		}, []string{"component"}),
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_subscriptions",
			Help:      "Live push streams currently open, by kind.",
		}, []string{"kind"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_commits_total",
			Help:      "Optimistic mutations sent to the remote service, by result.",
		}, []string{"component", "result"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Optimistic local state reverted after a remote failure.",
		}, []string{"component"}),
	}

	if reg != nil {
		for _, collector := range []prometheus.Collector{m.duplicates, m.subscriptions, m.commits, m.rollbacks} {
			if err := reg.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// DuplicateDropped counts one ignored duplicate.
func (m *Metrics) DuplicateDropped(component string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(component).Inc()
}

// SetOpenSubscriptions records the number of open streams of kind.
func (m *Metrics) SetOpenSubscriptions(kind string, open int) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(kind).Set(float64(open))
}

// SubscriptionObserver returns a callback suitable for subscription.New.
func (m *Metrics) SubscriptionObserver(kind string) func(open int) {
	if m == nil {
		return nil
	}
	return func(open int) {
		m.SetOpenSubscriptions(kind, open)
	}
}

// Commit records the outcome of one remote commit.
func (m *Metrics) Commit(component string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.commits.WithLabelValues(component, result).Inc()
}

// RolledBack counts one reverted optimistic update.
func (m *Metrics) RolledBack(component string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(component).Inc()
}
