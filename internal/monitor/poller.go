// Package monitor polls every active hypervisor server and keeps its status
// and capacity counters current.
package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"unimanager/internal/audit"
	"unimanager/internal/domain"
	"unimanager/internal/hypervisor"
)

type Connector interface {
	Connect(ctx context.Context, srv domain.Server) (hypervisor.Client, error)
}

type Report struct {
	Checked int `json:"checked"`
	Online  int `json:"online"`
	Failed  int `json:"failed"`
}

type Poller struct {
	store  domain.ServerRepository
	hv     Connector
	audit  audit.Recorder
	logger *zap.Logger
}

func NewPoller(store domain.ServerRepository, hv Connector, rec audit.Recorder, logger *zap.Logger) *Poller {
	return &Poller{
		store:  store,
		hv:     hv,
		audit:  rec,
		logger: logger.Named("monitor"),
	}
}

// Poll probes each active server outside MAINTENANCE. A reachable server
// becomes ONLINE with fresh capacity; an unreachable one becomes ERROR with
// the cause. One server failing never stops the others from being checked.
func (p *Poller) Poll(ctx context.Context, now time.Time) (Report, error) {
	var rep Report

	servers, err := p.store.ListServers(ctx)
	if err != nil {
		return rep, fmt.Errorf("listing servers: %w", err)
	}

	for _, srv := range servers {
		if !srv.IsActive || srv.Status == domain.ServerMaintenance {
			continue
		}
		rep.Checked++

		capacity, probeErr := p.probe(ctx, srv)
		updated, err := p.store.UpdateServer(ctx, srv.ID, func(cur domain.Server) (domain.Server, error) {
			if cur.Status == domain.ServerMaintenance {
				return cur, nil
			}
			if probeErr != nil {
				cur.Status = domain.ServerError
				cur.LastError = probeErr.Error()
			} else {
				cur.Status = domain.ServerOnline
				cur.LastError = ""
				seen := now
				cur.LastSeenAt = &seen
				cur.Capacity = capacity
			}
			cur.UpdatedAt = now
			return cur, nil
		})
		if err != nil {
			p.logger.Error("recording server status", zap.String("server_id", srv.ID), zap.Error(err))
			rep.Failed++
			continue
		}

		if probeErr != nil {
			rep.Failed++
			p.logger.Warn("server unreachable", zap.String("server_id", srv.ID), zap.Error(probeErr))
		} else if updated.Status == domain.ServerOnline {
			rep.Online++
		}

		if updated.Status != srv.Status {
			p.audit.Record(audit.Event{
				Action:   audit.ActionServerStatusChanged,
				ServerID: srv.ID,
				Details: map[string]any{
					"from":  string(srv.Status),
					"to":    string(updated.Status),
					"error": updated.LastError,
				},
				At: now,
			})
		}
	}
	return rep, nil
}

func (p *Poller) probe(ctx context.Context, srv domain.Server) (domain.Capacity, error) {
	client, err := p.hv.Connect(ctx, srv)
	if err != nil {
		return domain.Capacity{}, err
	}
	if _, err := client.TestConnection(ctx); err != nil {
		return domain.Capacity{}, err
	}
	nodes, err := client.ListNodes(ctx)
	if err != nil {
		return domain.Capacity{}, err
	}
	return hypervisor.Capacity(nodes), nil
}
