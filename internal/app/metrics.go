package app

import (
	"github.com/tunein/go-logging/v7/pkg/rootcollector"

	"github.com/RyanBlaney/voiceprint-verify/internal/verification"
)

// rootMetrics forwards engine metrics to the root collector, which writes
// them through the configured root logger
type rootMetrics struct {
	baseTags []string
}

var _ verification.Collector = (*rootMetrics)(nil)

func newRootMetrics(baseTags ...string) *rootMetrics {
	return &rootMetrics{baseTags: baseTags}
}

// Metric sends one metric with the base tags appended
func (m *rootMetrics) Metric(name string, value int64, tags []string) {
	all := make([]string, 0, len(m.baseTags)+len(tags))
	all = append(all, m.baseTags...)
	all = append(all, tags...)
	rootcollector.Metric(name, value, all)
}
