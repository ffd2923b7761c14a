// Package events announces finished runs and newly discovered listings on a
// Redis pub/sub channel.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kalambet/klwatch/internal/runner"
	"github.com/kalambet/klwatch/internal/storage"
)

const (
	TypeRunFinished = "run.finished"
	TypeListingNew  = "listing.new"
)

// publisher is the slice of *redis.Client the Publisher uses.
type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RunEvent is published once per finished run.
type RunEvent struct {
	Type        string            `json:"type"`
	RunID       string            `json:"run_id"`
	JobID       int64             `json:"job_id"`
	JobName     string            `json:"job_name"`
	Status      storage.RunStatus `json:"status"`
	Message     string            `json:"message"`
	ResultCount int               `json:"result_count"`
	Inserted    int               `json:"inserted"`
	Updated     int               `json:"updated"`
	Deleted     int               `json:"marked_deleted"`
	FinishedAt  time.Time         `json:"finished_at"`
}

// ListingEvent is published for every listing a run inserted.
type ListingEvent struct {
	Type       string `json:"type"`
	RunID      string `json:"run_id"`
	JobName    string `json:"job_name"`
	ExternalID string `json:"external_id"`
}

// Publisher sends events to a Redis channel. Publish failures are logged and
// never reach the run that triggered them.
type Publisher struct {
	rdb     publisher
	channel string
	logger  *slog.Logger
}

// NewPublisher returns a Publisher on an already connected client.
func NewPublisher(rdb publisher, channel string) *Publisher {
	return &Publisher{
		rdb:     rdb,
		channel: channel,
		logger:  slog.Default().With("component", "events"),
	}
}

// Connect parses redisURL and pings the server.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// RunFinished publishes a run.finished event followed by one listing.new
// event per inserted listing.
func (p *Publisher) RunFinished(ctx context.Context, job storage.Job, out runner.Outcome) {
	p.publish(ctx, RunEvent{
		Type:        TypeRunFinished,
		RunID:       out.RunID,
		JobID:       job.ID,
		JobName:     job.Name,
		Status:      out.Status,
		Message:     out.Message,
		ResultCount: out.ResultCount,
		Inserted:    out.Result.Inserted,
		Updated:     out.Result.Updated,
		Deleted:     out.Result.MarkedDeleted,
		FinishedAt:  out.FinishedAt,
	})
	for _, id := range out.Result.NewIDs {
		p.publish(ctx, ListingEvent{
			Type:       TypeListingNew,
			RunID:      out.RunID,
			JobName:    job.Name,
			ExternalID: id,
		})
	}
}

func (p *Publisher) publish(ctx context.Context, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("encoding event failed", "err", err)
		return
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.logger.Warn("publish failed", "channel", p.channel, "err", err)
	}
}
