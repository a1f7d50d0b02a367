package supervisor

import "github.com/orbitalops/fds-service/internal/core/domain"

// Selector picks the instance that serves a dispatch among the available
// candidates, which arrive ordered by module id then instance id.
type Selector interface {
	Select(msgCode string, candidates []domain.InstanceInfo) (domain.InstanceInfo, bool)
}

// FirstMatch picks the first candidate.
type FirstMatch struct{}

func (FirstMatch) Select(_ string, candidates []domain.InstanceInfo) (domain.InstanceInfo, bool) {
	if len(candidates) == 0 {
		return domain.InstanceInfo{}, false
	}
	return candidates[0], true
}
