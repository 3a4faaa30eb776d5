package offline0

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	assert.Zero(t, s.Snapshot().TotalResponses)

	s.Observe(SourceCache, 100)
	s.Observe(SourceCache, 300)
	s.Observe(SourceNetwork, 200)

	ss := s.Snapshot()
	assert.Equal(t, uint64(3), ss.TotalResponses)
	assert.Equal(t, uint64(100), ss.MinRespBytes)
	assert.Equal(t, uint64(300), ss.MaxRespBytes)
	assert.Equal(t, uint64(200), ss.AvgRespBytes)
	assert.Equal(t, uint64(2), ss.BySource[SourceCache])
	assert.Equal(t, uint64(1), ss.BySource[SourceNetwork])

	var nilStats *statsCollector
	assert.NotPanics(t, func() { nilStats.Observe(SourceCache, 1) })
}
