package training

import (
	"fmt"
	"sort"
)

// LRScheduler maps the number of completed epochs to a learning rate
type LRScheduler interface {
	GetLR(epoch int, baseLR float64) float64
	GetName() string
}

// MultiStepLRScheduler multiplies the learning rate by Gamma once for
// every milestone that has been reached.
type MultiStepLRScheduler struct {
	Milestones []int
	Gamma      float64
}

// NewMultiStepLRScheduler creates a multi-step scheduler. Milestones are
// sorted and deduplicated.
func NewMultiStepLRScheduler(milestones []int, gamma float64) *MultiStepLRScheduler {
	sorted := make([]int, 0, len(milestones))
	seen := make(map[int]bool)
	for _, m := range milestones {
		if !seen[m] {
			seen[m] = true
			sorted = append(sorted, m)
		}
	}
	sort.Ints(sorted)
	return &MultiStepLRScheduler{Milestones: sorted, Gamma: gamma}
}

// GetLR returns baseLR * Gamma^k where k counts milestones <= epoch
func (s *MultiStepLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	lr := baseLR
	for _, m := range s.Milestones {
		if m > epoch {
			break
		}
		lr *= s.Gamma
	}
	return lr
}

// GetName returns the scheduler name
func (s *MultiStepLRScheduler) GetName() string {
	return fmt.Sprintf("MultiStepLR(milestones=%v, gamma=%g)", s.Milestones, s.Gamma)
}
