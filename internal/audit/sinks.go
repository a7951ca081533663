package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"unimanager/internal/domain"
)

// StoreSink persists events to the logs table.
type StoreSink struct {
	repo domain.AuditRepository
}

func NewStoreSink(repo domain.AuditRepository) *StoreSink {
	return &StoreSink{repo: repo}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Write(ctx context.Context, e Event) error {
	return s.repo.AppendAuditLog(ctx, e.toLog())
}

// LogSink mirrors events into the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, e Event) error {
	s.logger.Info("audit",
		zap.String("action", e.Action),
		zap.String("actor_id", e.ActorID),
		zap.String("user_id", e.UserID),
		zap.String("vm_id", e.VMID),
		zap.String("server_id", e.ServerID),
		zap.Any("details", e.Details),
	)
	return nil
}

type Broadcaster interface {
	Broadcast(payload []byte)
}

// BroadcastSink pushes events as JSON to live subscribers.
type BroadcastSink struct {
	b Broadcaster
}

func NewBroadcastSink(b Broadcaster) *BroadcastSink {
	return &BroadcastSink{b: b}
}

func (s *BroadcastSink) Name() string { return "broadcast" }

func (s *BroadcastSink) Write(_ context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.b.Broadcast(payload)
	return nil
}

// NATSSink publishes each event to subject.<action>.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

func NewNATSSink(url, subject string, logger *zap.Logger) (*NATSSink, error) {
	log := logger.Named("nats")
	opts := []nats.Option{
		nats.Name("unimanager-audit"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("error connecting to nats: %w", err)
	}
	return &NATSSink{nc: nc, subject: subject}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Write(_ context.Context, e Event) error {
	if s.nc == nil || s.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.nc.Publish(s.subject+"."+e.Action, payload)
}

func (s *NATSSink) Close() {
	if s.nc != nil {
		_ = s.nc.Drain()
		s.nc.Close()
	}
}
