// Package upstream consumes upstream-job completion events from a Redis
// list and feeds them into the trigger intake.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/caldera-ci/caldera/pkg/intake"
	"github.com/caldera-ci/caldera/pkg/protocol"
)

const DefaultQueue = "caldera:upstream"

// message is the wire shape upstream jobs push onto the queue.
type message struct {
	PipelineID  string            `json:"pipeline_id"`
	SourceJobID string            `json:"source_job_id"`
	Environment string            `json:"environment"`
	Branch      string            `json:"branch"`
	Params      map[string]string `json:"params,omitempty"`
}

// Source pops completion events off a Redis list with BLPop.
type Source struct {
	Addr     string
	Password string
	DB       int
	Queue    string

	client   redis.UniversalClient
	callback protocol.TriggerCallback
	logger   *slog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewSource(addr, password string, db int, queue string, logger *slog.Logger) *Source {
	if addr == "" {
		addr = "localhost:6379"
	}

	if queue == "" {
		queue = DefaultQueue
	}

	return &Source{
		Addr:     addr,
		Password: password,
		DB:       db,
		Queue:    queue,
		stopCh:   make(chan struct{}),
		logger: logger.With(
			"module", "upstream_source",
			"queue", queue,
		),
	}
}

func (s *Source) Start(ctx context.Context, callback protocol.TriggerCallback) error {
	s.logger.InfoContext(ctx, "Starting upstream source")
	s.callback = callback

	s.client = redis.NewClient(&redis.Options{
		Addr:     s.Addr,
		Password: s.Password,
		DB:       s.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s.logger.InfoContext(ctx, "Connected to Redis", "addr", s.Addr, "db", s.DB)

	s.wg.Add(1)

	go s.consume(ctx)

	return nil
}

func (s *Source) consume(ctx context.Context) {
	defer s.wg.Done()

	s.logger.InfoContext(ctx, "Starting upstream consumer")

	for {
		select {
		case <-s.stopCh:
			s.logger.InfoContext(ctx, "Upstream consumer stopped")

			return
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Context cancelled, stopping upstream consumer")

			return
		default:
			if err := s.processMessage(ctx); err != nil {
				s.logger.ErrorContext(ctx, "Error processing upstream message", "error", err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

func (s *Source) processMessage(ctx context.Context) error {
	result, err := s.client.BLPop(ctx, 1*time.Second, s.Queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}

		return fmt.Errorf("failed to pop message from queue: %w", err)
	}

	if len(result) < 2 {
		return nil
	}

	var msg message
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return fmt.Errorf("failed to decode upstream message: %w", err)
	}

	s.logger.InfoContext(ctx, "Received upstream completion",
		"pipeline_id", msg.PipelineID,
		"source_job_id", msg.SourceJobID)

	go func() {
		completion := intake.UpstreamCompletion{
			PipelineID:  msg.PipelineID,
			SourceJobID: msg.SourceJobID,
			Environment: msg.Environment,
			Branch:      msg.Branch,
			Params:      msg.Params,
		}

		if err := s.callback(ctx, completion); err != nil {
			s.logger.ErrorContext(ctx, "Error handling upstream completion", "error", err)
		}
	}()

	return nil
}

func (s *Source) Stop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Stopping upstream source")

	close(s.stopCh)
	s.wg.Wait()

	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.ErrorContext(ctx, "Error closing Redis client", "error", err)
		}
	}

	return nil
}
