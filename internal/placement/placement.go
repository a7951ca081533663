// Package placement picks the server a new VM lands on.
package placement

import (
	"context"
	"fmt"
	"sort"

	"unimanager/internal/domain"
)

// Select returns the eligible server with the highest priority, breaking
// ties by the lowest id. Capacity counters are not consulted.
func Select(servers []domain.Server) (domain.Server, bool) {
	eligible := make([]domain.Server, 0, len(servers))
	for _, s := range servers {
		if s.IsEligible() {
			eligible = append(eligible, s)
		}
	}
	if len(eligible) == 0 {
		return domain.Server{}, false
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].ID < eligible[j].ID
	})
	return eligible[0], true
}

type ServerLister interface {
	ListServers(ctx context.Context) ([]domain.Server, error)
}

type Selector struct {
	servers ServerLister
}

func NewSelector(servers ServerLister) *Selector {
	return &Selector{servers: servers}
}

func (s *Selector) SelectServer(ctx context.Context) (domain.Server, error) {
	servers, err := s.servers.ListServers(ctx)
	if err != nil {
		return domain.Server{}, fmt.Errorf("listing servers: %w", err)
	}
	srv, ok := Select(servers)
	if !ok {
		return domain.Server{}, fmt.Errorf("%w: no capacity available", domain.ErrResourceUnavailable)
	}
	return srv, nil
}
