package replica

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

type replicaMetrics struct {
	requests    *metrics.Counter
	prepares    *metrics.Counter
	commits     *metrics.Counter
	viewChanges *metrics.Counter
	recoveries  *metrics.Counter
	dropped     *metrics.Counter
}

// newReplicaMetrics registers the counters of replica id in set, along
// with gauges reading the published snapshot.
func newReplicaMetrics(set *metrics.Set, id uint64, snapshot func() Snapshot) *replicaMetrics {
	name := func(metric string) string {
		return fmt.Sprintf(`vrkv_%s{replica="%d"}`, metric, id)
	}

	set.NewGauge(name("view_number"), func() float64 { return float64(snapshot().View) })
	set.NewGauge(name("op_number"), func() float64 { return float64(snapshot().OpNumber) })
	set.NewGauge(name("commit_number"), func() float64 { return float64(snapshot().CommitNumber) })
	set.NewGauge(name("status"), func() float64 { return float64(snapshot().Status) })
	set.NewGauge(name("is_primary"), func() float64 {
		s := snapshot()
		if s.Primary == s.ID && s.Status == StatusNormal {
			return 1
		}
		return 0
	})

	return &replicaMetrics{
		requests:    set.NewCounter(name("requests_total")),
		prepares:    set.NewCounter(name("prepares_total")),
		commits:     set.NewCounter(name("commits_total")),
		viewChanges: set.NewCounter(name("view_changes_total")),
		recoveries:  set.NewCounter(name("recoveries_total")),
		dropped:     set.NewCounter(name("dropped_messages_total")),
	}
}
