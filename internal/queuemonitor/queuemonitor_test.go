package queuemonitor

import (
	"context"
	"testing"

	"github.com/fenilsonani/mailoutd/internal/queue"
)

// These tests exercise the alert bookkeeping and default thresholds without
// a real broker connection, mirroring the teacher's queue_test.go approach
// of testing the parts that don't require a live Redis (generateMessageID
// there, alert recording here).

func TestDefaultConfig_Thresholds(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SampleInterval.Seconds() != 30 {
		t.Errorf("SampleInterval = %v, want 30s", cfg.SampleInterval)
	}
	if cfg.HighFailureRate != 0.2 {
		t.Errorf("HighFailureRate = %v, want 0.2", cfg.HighFailureRate)
	}
	if cfg.StuckJobAge[queue.KindSendWebhook].Seconds() != 30 {
		t.Errorf("webhook stuck deadline = %v, want 30s", cfg.StuckJobAge[queue.KindSendWebhook])
	}
	if cfg.StuckJobAge[queue.KindSendEmail].Minutes() != 5 {
		t.Errorf("email stuck deadline = %v, want 5m", cfg.StuckJobAge[queue.KindSendEmail])
	}
}

func TestMonitor_Raise_RecordsAlert(t *testing.T) {
	m := New(DefaultConfig(), nil, nil, nil)
	m.raise(context.Background(), Alert{Rule: "high_failure_rate", TenantID: "tenant-a", Kind: queue.KindSendEmail})

	alerts := m.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].Rule != "high_failure_rate" || alerts[0].TenantID != "tenant-a" {
		t.Errorf("unexpected alert recorded: %+v", alerts[0])
	}
}

func TestMonitor_Raise_NilQueueDoesNotPanic(t *testing.T) {
	m := New(DefaultConfig(), nil, nil, nil)
	m.raise(context.Background(), Alert{Rule: "queue_stuck", TenantID: systemTenant})
	if len(m.Alerts()) != 1 {
		t.Fatal("expected alert to still be recorded when the queue is nil")
	}
}

func TestMonitor_Alerts_CapsAtFiveHundred(t *testing.T) {
	m := New(DefaultConfig(), nil, nil, nil)
	for i := 0; i < 520; i++ {
		m.raise(context.Background(), Alert{Rule: "high_waiting_count", TenantID: "tenant-a"})
	}
	if len(m.Alerts()) != 500 {
		t.Errorf("expected alert ring buffer capped at 500, got %d", len(m.Alerts()))
	}
}

func TestMonitor_Alerts_ReturnsCopyNotSharedSlice(t *testing.T) {
	m := New(DefaultConfig(), nil, nil, nil)
	m.raise(context.Background(), Alert{Rule: "high_failure_rate"})

	snapshot := m.Alerts()
	snapshot[0].Rule = "mutated"

	if m.Alerts()[0].Rule != "high_failure_rate" {
		t.Error("Alerts() must return a defensive copy")
	}
}

func TestSystemTenant_ReservedConstant(t *testing.T) {
	if systemTenant != "system" {
		t.Errorf("systemTenant = %q, want %q", systemTenant, "system")
	}
}
