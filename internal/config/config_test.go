package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaultsMatchSpecConstants(t *testing.T) {
	t.Parallel()

	f := defaults()
	if f.MaxConnectionsPerHost != 80 {
		t.Errorf("MaxConnectionsPerHost = %d, want 80", f.MaxConnectionsPerHost)
	}
	if f.MaxWorkers != 50 {
		t.Errorf("MaxWorkers = %d, want 50", f.MaxWorkers)
	}
	if f.HighPriorityInterval != 60*time.Second {
		t.Errorf("HighPriorityInterval = %v, want 60s", f.HighPriorityInterval)
	}
	if f.MailboxStorePath != "fleet.db" {
		t.Errorf("MailboxStorePath = %q, want fleet.db", f.MailboxStorePath)
	}
}

func TestOverlayAppliesSetValuesOnly(t *testing.T) {
	t.Parallel()

	v := viper.New()
	v.Set("MAX_WORKERS", 99)
	v.Set("SINK_EXCHANGE", "custom.exchange")

	f := defaults()
	overlay(v, f)

	if f.MaxWorkers != 99 {
		t.Errorf("MaxWorkers = %d, want overlay value 99", f.MaxWorkers)
	}
	if f.SinkExchange != "custom.exchange" {
		t.Errorf("SinkExchange = %q, want overlay value", f.SinkExchange)
	}
	// Untouched fields keep their defaults.
	if f.MaxConnectionsPerHost != 80 {
		t.Errorf("MaxConnectionsPerHost = %d, want unchanged default 80", f.MaxConnectionsPerHost)
	}
}

func TestOverlayConvertsMillisToDuration(t *testing.T) {
	t.Parallel()

	v := viper.New()
	v.Set("WORKER_TIMEOUT", 12000)

	f := defaults()
	overlay(v, f)

	if f.WorkerTimeout != 12*time.Second {
		t.Errorf("WorkerTimeout = %v, want 12s", f.WorkerTimeout)
	}
}
