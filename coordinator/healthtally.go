package coordinator

import (
	"github.com/oasislabs/psyche-coordinator/go/common/identity"
)

// HealthTally counts, per absent client, how many distinct witnesses
// have reported it missing this epoch.
type HealthTally struct {
	reports map[identity.NodeIdentity]map[identity.NodeIdentity]struct{}
}

// NewHealthTally constructs an empty HealthTally.
func NewHealthTally() *HealthTally {
	return &HealthTally{reports: make(map[identity.NodeIdentity]map[identity.NodeIdentity]struct{})}
}

// Report records that reporter believes absent is missing this round.
// Reporting the same (reporter, absent) pair twice has no additional
// effect.
func (t *HealthTally) Report(reporter, absent identity.NodeIdentity) {
	set, ok := t.reports[absent]
	if !ok {
		set = make(map[identity.NodeIdentity]struct{})
		t.reports[absent] = set
	}
	set[reporter] = struct{}{}
}

// Count returns the number of distinct witnesses that have reported
// absent missing.
func (t *HealthTally) Count(absent identity.NodeIdentity) uint64 {
	return uint64(len(t.reports[absent]))
}

// Reset clears all tallies, at an epoch boundary.
func (t *HealthTally) Reset() {
	t.reports = make(map[identity.NodeIdentity]map[identity.NodeIdentity]struct{})
}
