package audit_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"unimanager/internal/audit"
	"unimanager/internal/storage/storagetest"
)

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	seen    []string
}

func (s *blockingSink) Name() string { return "blocking" }

func (s *blockingSink) Write(_ context.Context, e audit.Event) error {
	<-s.release
	s.mu.Lock()
	s.seen = append(s.seen, e.Action)
	s.mu.Unlock()
	return nil
}

type failingSink struct{}

func (failingSink) Name() string                             { return "failing" }
func (failingSink) Write(context.Context, audit.Event) error { return errors.New("down") }

type captureBroadcaster struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (c *captureBroadcaster) Broadcast(p []byte) {
	c.mu.Lock()
	c.payloads = append(c.payloads, p)
	c.mu.Unlock()
}

func TestRecordNeverBlocks(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := audit.NewDispatcher(zap.NewNop(), 1, sink)
	d.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Record(audit.Event{Action: "vm_stop"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a stalled sink")
	}
	assert.Positive(t, d.Dropped())

	close(sink.release)
	d.Close()
	d.Record(audit.Event{Action: "after_close"})
}

func TestFanOutSurvivesSinkFailure(t *testing.T) {
	store := storagetest.Open(t)
	bc := &captureBroadcaster{}
	d := audit.NewDispatcher(zap.NewNop(), 16, failingSink{}, audit.NewStoreSink(store), audit.NewBroadcastSink(bc), audit.NewLogSink(zap.NewNop()))
	d.Start()

	d.Record(audit.Event{Action: audit.ActionVMCreated, VMID: "v1", Details: map[string]any{"name": "web"}})
	d.Close()

	logs, err := store.ListAuditLogs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, audit.ActionVMCreated, logs[0].Action)
	assert.False(t, logs[0].CreatedAt.IsZero())

	require.Len(t, bc.payloads, 1)
	var ev audit.Event
	require.NoError(t, json.Unmarshal(bc.payloads[0], &ev))
	assert.Equal(t, "v1", ev.VMID)
}

func TestVMAction(t *testing.T) {
	assert.Equal(t, "vm_reboot", audit.VMAction("reboot"))
	audit.Discard.Record(audit.Event{Action: "ignored"})
}
