package redis

import (
	"context"
	"testing"
	"time"

	"github.com/rewired-gh/skysentry/internal/config"
	"github.com/rewired-gh/skysentry/internal/models"
)

func TestDisabledPublisherIsNoop(t *testing.T) {
	p := NewPublisher(config.RedisConfig{Enabled: false, Address: "localhost:6379"})
	if p.Enabled() {
		t.Fatal("disabled config produced an enabled publisher")
	}
	snap := &models.Snapshot{Region: "Europe_Central", FetchedAt: time.Now()}
	if err := p.Publish(context.Background(), snap, []models.Finding{{AircraftID: "abc123"}}); err != nil {
		t.Errorf("Publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestKeys(t *testing.T) {
	p := &Publisher{prefix: "skysentry"}
	if got := p.LatestKey("Asia_Pacific"); got != "skysentry:latest:Asia_Pacific" {
		t.Errorf("LatestKey = %q", got)
	}
	if got := p.AlertsChannel(); got != "skysentry:alerts" {
		t.Errorf("AlertsChannel = %q", got)
	}
}

func TestUnreachableServerReportsPublishError(t *testing.T) {
	// Port 1 is reserved; nothing listens there.
	p := NewPublisher(config.RedisConfig{Enabled: true, Address: "127.0.0.1:1", Prefix: "skysentry"})
	defer p.Close()
	if !p.Enabled() {
		t.Fatal("enabled config should keep the client for reconnects")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap := &models.Snapshot{Region: "Europe_Central", FetchedAt: time.Now()}
	if err := p.Publish(ctx, snap, nil); err == nil {
		t.Error("expected an error from an unreachable server")
	}
}
