// Package redis mirrors committed cycles into Redis for collaborators: the latest snapshot
// header per region, and a pub/sub channel carrying every new finding.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/rewired-gh/skysentry/internal/config"
	"github.com/rewired-gh/skysentry/internal/logger"
	"github.com/rewired-gh/skysentry/internal/models"
)

const pingTimeout = 3 * time.Second

// SnapshotHeader is what collaborators find under <prefix>:latest:<region>.
type SnapshotHeader struct {
	ID        string    `json:"id"`
	Region    string    `json:"region"`
	FetchedAt time.Time `json:"fetchedAt"`
	Aircraft  int       `json:"aircraft"`
	Findings  int       `json:"newFindings"`
}

// Publisher writes cycle outcomes to Redis. A disabled publisher is a no-op.
type Publisher struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewPublisher connects to Redis when cfg is enabled. An unreachable server is only logged;
// the client reconnects on later publishes.
func NewPublisher(cfg config.RedisConfig) *Publisher {
	if !cfg.Enabled {
		logger.Info("Redis publishing disabled by configuration")
		return &Publisher{}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	p := &Publisher{client: client, prefix: cfg.Prefix, ttl: cfg.TTL}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis at %s not reachable yet: %v", cfg.Address, err)
	} else {
		logger.Info("Connected to Redis at %s", cfg.Address)
	}
	return p
}

func (p *Publisher) Enabled() bool {
	return p.client != nil
}

// LatestKey is the key holding the newest snapshot header of region.
func (p *Publisher) LatestKey(region string) string {
	return fmt.Sprintf("%s:latest:%s", p.prefix, region)
}

// AlertsChannel is the pub/sub channel new findings are published on.
func (p *Publisher) AlertsChannel() string {
	return fmt.Sprintf("%s:alerts", p.prefix)
}

// Publish writes the snapshot header and publishes each new finding in one pipeline.
func (p *Publisher) Publish(ctx context.Context, snap *models.Snapshot, findings []models.Finding) error {
	if !p.Enabled() {
		return nil
	}

	header, err := json.Marshal(SnapshotHeader{
		ID:        snap.ID,
		Region:    snap.Region,
		FetchedAt: snap.FetchedAt,
		Aircraft:  len(snap.Aircraft),
		Findings:  len(findings),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot header: %w", err)
	}

	pipe := p.client.Pipeline()
	pipe.Set(ctx, p.LatestKey(snap.Region), header, p.ttl)
	for _, f := range findings {
		payload, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("failed to marshal finding: %w", err)
		}
		pipe.Publish(ctx, p.AlertsChannel(), payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if !p.Enabled() {
		return nil
	}
	return p.client.Close()
}
