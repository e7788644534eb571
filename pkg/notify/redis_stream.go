package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"bookrecord/pkg/domain"
)

// RedisStream publishes events to a Redis stream and lets observers consume
// them through a consumer group.
type RedisStream struct {
	client        *redis.Client
	stream        string
	group         string
	consumerBase  string
	maxLen        int64
	block         time.Duration
	claimIdle     time.Duration
	readCount     int64
	maxDeliveries int64
	logger        *slog.Logger
	once          sync.Once
}

// RedisStreamConfig configures RedisStream. Zero values take defaults.
type RedisStreamConfig struct {
	Addr          string
	Password      string
	Stream        string
	Group         string
	Consumer      string
	MaxLen        int64
	Block         time.Duration
	ClaimIdle     time.Duration
	ReadCount     int64
	MaxDeliveries int64
	Logger        *slog.Logger
}

// NewRedisStream validates cfg and builds a client.
func NewRedisStream(cfg RedisStreamConfig) (*RedisStream, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "bookledger:events"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "observers"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = uuid.NewString()
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 100000
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	maxDeliveries := cfg.MaxDeliveries
	if maxDeliveries <= 0 {
		maxDeliveries = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStream{
		client:        redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:        stream,
		group:         group,
		consumerBase:  consumer,
		maxLen:        maxLen,
		block:         block,
		claimIdle:     claimIdle,
		readCount:     readCount,
		maxDeliveries: maxDeliveries,
		logger:        logger,
	}, nil
}

// Publish appends ev to the stream.
func (s *RedisStream) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"message_id": uuid.NewString(),
			"kind":       string(ev.Kind),
			"owner":      ev.Owner,
			"seq":        ev.Seq,
			"payload":    string(payload),
		},
	}).Err()
}

// Consume starts concurrency consumer loops and returns immediately. A message
// whose handler fails stays pending and is reclaimed after ClaimIdle; it is
// dropped once it has been delivered MaxDeliveries times.
func (s *RedisStream) Consume(ctx context.Context, concurrency int, handler func(context.Context, domain.Event) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	s.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", s.consumerBase, i)
		go s.consumeLoop(ctx, consumer, handler)
	}
}

// Close closes the Redis client.
func (s *RedisStream) Close() error {
	return s.client.Close()
}

func (s *RedisStream) ensureGroup(ctx context.Context) {
	s.once.Do(func() {
		err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			s.logger.Warn("create consumer group", "stream", s.stream, "group", s.group, "err", err)
		}
	})
}

func (s *RedisStream) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, domain.Event) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := s.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				s.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: consumer,
			Streams:  []string{s.stream, ">"},
			Count:    s.readCount,
			Block:    s.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				s.logger.Warn("read stream", "stream", s.stream, "err", err)
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				s.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (s *RedisStream) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: consumer,
		MinIdle:  s.claimIdle,
		Start:    "0-0",
		Count:    s.readCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *RedisStream) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, domain.Event) error) {
	ev, err := decodeStreamEvent(msg)
	if err != nil {
		s.logger.Warn("drop malformed event", "stream", s.stream, "id", msg.ID, "err", err)
		s.ack(ctx, msg.ID)
		return
	}
	if err := handler(ctx, ev); err == nil {
		s.ack(ctx, msg.ID)
		return
	}
	if s.deliveries(ctx, msg.ID) >= s.maxDeliveries {
		s.logger.Warn("drop event after max deliveries",
			"stream", s.stream,
			"id", msg.ID,
			"owner", ev.Owner,
			"seq", ev.Seq,
			"err", err,
		)
		s.ack(ctx, msg.ID)
	}
}

func (s *RedisStream) deliveries(ctx context.Context, msgID string) int64 {
	res, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  s.group,
		Start:  msgID,
		End:    msgID,
		Count:  1,
	}).Result()
	if err != nil || len(res) == 0 {
		return 0
	}
	return res[0].RetryCount
}

func (s *RedisStream) ack(ctx context.Context, msgID string) {
	_, _ = s.client.XAck(ctx, s.stream, s.group, msgID).Result()
}

func decodeStreamEvent(msg redis.XMessage) (domain.Event, error) {
	raw, _ := msg.Values["payload"].(string)
	if raw == "" {
		return domain.Event{}, errors.New("payload missing")
	}
	var ev domain.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}
