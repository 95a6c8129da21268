package worklog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	domain "github.com/isoforge/isoforge-backend/internal/domain/tasks"
	"github.com/isoforge/isoforge-backend/internal/platform/errs"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
)

// Stream and consumer-group names. One stream per task kind keeps slow
// parses from starving quick reviews. The stream names live with the task
// domain; the aliases keep call sites on this package.
const (
	StreamTemplateParse  = domain.StreamTemplateParse
	StreamTemplateEdit   = domain.StreamTemplateEdit
	StreamTemplateReview = domain.StreamTemplateReview

	GroupParsers   = "parser-workers"
	GroupEditors   = "editor-workers"
	GroupReviewers = "reviewer-workers"
)

// GroupFor returns the consumer group owning a stream.
func GroupFor(stream string) string {
	switch stream {
	case StreamTemplateParse:
		return GroupParsers
	case StreamTemplateEdit:
		return GroupEditors
	case StreamTemplateReview:
		return GroupReviewers
	default:
		return "task-workers"
	}
}

// Message is one delivered work-log entry. ID is the broker's entry id and
// must be passed back to Ack verbatim.
type Message struct {
	ID     string
	Stream string
	Values map[string]interface{}
}

// Log is the append-only dispatch log between submit and the workers.
// Entries survive until acked; consumers that die mid-flight surface again
// through AutoClaim.
type Log interface {
	Append(ctx context.Context, stream string, values map[string]interface{}) (string, error)
	EnsureGroup(ctx context.Context, stream, group string) error
	Read(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error)
	Ack(ctx context.Context, stream, group, id string) error
	Pending(ctx context.Context, stream, group string) (int64, error)
	AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration) ([]Message, error)
}

type redisLog struct {
	log    *logger.Logger
	rdb    *redis.Client
	maxLen int64
}

// NewRedisLog wraps a shared client. maxLen bounds each stream with
// approximate trimming; zero disables trimming.
func NewRedisLog(baseLog *logger.Logger, rdb *redis.Client, maxLen int64) Log {
	return &redisLog{
		log:    baseLog.With("service", "WorkLog"),
		rdb:    rdb,
		maxLen: maxLen,
	}
}

func (l *redisLog) Append(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if l.maxLen > 0 {
		args.MaxLen = l.maxLen
		args.Approx = true
	}
	id, err := l.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("append %s: %w: %v", stream, errs.ErrLogUnavailable, err)
	}
	return id, nil
}

func (l *redisLog) EnsureGroup(ctx context.Context, stream, group string) error {
	err := l.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("ensure group %s/%s: %w: %v", stream, group, errs.ErrLogUnavailable, err)
	}
	return nil
}

func (l *redisLog) Read(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := l.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w: %v", stream, group, errs.ErrLogUnavailable, err)
	}
	var out []Message
	for _, streamRes := range res {
		for _, msg := range streamRes.Messages {
			out = append(out, Message{
				ID:     msg.ID,
				Stream: streamRes.Stream,
				Values: msg.Values,
			})
		}
	}
	return out, nil
}

func (l *redisLog) Ack(ctx context.Context, stream, group, id string) error {
	if err := l.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("ack %s/%s %s: %w: %v", stream, group, id, errs.ErrLogUnavailable, err)
	}
	return nil
}

func (l *redisLog) Pending(ctx context.Context, stream, group string) (int64, error) {
	info, err := l.rdb.XPending(ctx, stream, group).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("pending %s/%s: %w: %v", stream, group, errs.ErrLogUnavailable, err)
	}
	return info.Count, nil
}

// AutoClaim transfers a page of entries idle past minIdle to this consumer.
// Visibility-timeout redelivery for consumers that died before acking.
func (l *redisLog) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration) ([]Message, error) {
	msgs, _, err := l.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    16,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("autoclaim %s/%s: %w: %v", stream, group, errs.ErrLogUnavailable, err)
	}
	out := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, Message{ID: msg.ID, Stream: stream, Values: msg.Values})
	}
	return out, nil
}
