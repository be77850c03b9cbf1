package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
	"github.com/suokelife/messagebus/internal/domain/topic"
)

const DefaultTopicPrefix = "messagebus:topic:"

// TopicStore keeps one hash per topic plus a sorted set of names used for
// ordered, paginated listing.
type TopicStore struct {
	client redis.UniversalClient
	prefix string
}

var _ topic.Store = (*TopicStore)(nil)

func NewTopicStore(client redis.UniversalClient, prefix string) *TopicStore {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &TopicStore{client: client, prefix: prefix}
}

func (s *TopicStore) key(name string) string {
	return s.prefix + name
}

func (s *TopicStore) indexKey() string {
	return s.prefix + "index"
}

func (s *TopicStore) Save(ctx context.Context, t topic.Topic) (bool, error) {
	labels, err := json.Marshal(t.Labels)
	if err != nil {
		return false, fmt.Errorf("encode labels for %s: %w", t.Name, err)
	}

	var added *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key(t.Name),
			"name", t.Name,
			"partition_count", t.PartitionCount,
			"replication_factor", t.ReplicationFactor,
			"retention_duration", int64(t.RetentionPolicy.Duration),
			"retention_max_bytes", t.RetentionPolicy.MaxBytes,
			"created_at", t.CreatedAt.UTC().Format(time.RFC3339Nano),
			"labels", string(labels),
		)
		added = pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: 0, Member: t.Name})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("save topic %s: %w", t.Name, err)
	}
	return added.Val() == 1, nil
}

func (s *TopicStore) Get(ctx context.Context, name string) (topic.Topic, error) {
	fields, err := s.client.HGetAll(ctx, s.key(name)).Result()
	if err != nil {
		return topic.Topic{}, fmt.Errorf("get topic %s: %w", name, err)
	}
	if len(fields) == 0 {
		return topic.Topic{}, fmt.Errorf("%s: %w", name, domainErrors.ErrTopicNotFound)
	}
	return decodeTopic(fields)
}

func decodeTopic(fields map[string]string) (topic.Topic, error) {
	t := topic.Topic{Name: fields["name"]}

	var err error
	if t.PartitionCount, err = strconv.Atoi(fields["partition_count"]); err != nil {
		return topic.Topic{}, fmt.Errorf("decode topic %s partition_count: %w", t.Name, err)
	}
	if t.ReplicationFactor, err = strconv.Atoi(fields["replication_factor"]); err != nil {
		return topic.Topic{}, fmt.Errorf("decode topic %s replication_factor: %w", t.Name, err)
	}
	if v := fields["retention_duration"]; v != "" {
		d, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return topic.Topic{}, fmt.Errorf("decode topic %s retention_duration: %w", t.Name, err)
		}
		t.RetentionPolicy.Duration = time.Duration(d)
	}
	if v := fields["retention_max_bytes"]; v != "" {
		if t.RetentionPolicy.MaxBytes, err = strconv.ParseInt(v, 10, 64); err != nil {
			return topic.Topic{}, fmt.Errorf("decode topic %s retention_max_bytes: %w", t.Name, err)
		}
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return topic.Topic{}, fmt.Errorf("decode topic %s created_at: %w", t.Name, err)
	}
	t.Labels = map[string]string{}
	if v := fields["labels"]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &t.Labels); err != nil {
			return topic.Topic{}, fmt.Errorf("decode topic %s labels: %w", t.Name, err)
		}
	}
	return t, nil
}

func (s *TopicStore) Exists(ctx context.Context, name string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(name)).Result()
	if err != nil {
		return false, fmt.Errorf("check topic %s: %w", name, err)
	}
	return n == 1, nil
}

func (s *TopicStore) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.Del(ctx, s.key(name))
		pipe.ZRem(ctx, s.indexKey(), name)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete topic %s: %w", name, err)
	}
	return removed.Val() == 1, nil
}

// List pages through the name index lexicographically. The page token is
// the last name of the previous page.
func (s *TopicStore) List(ctx context.Context, pageSize int, pageToken string) (topic.Page, error) {
	if pageSize <= 0 {
		pageSize = topic.DefaultPageSize
	}

	lower := "-"
	if pageToken != "" {
		lower = "(" + pageToken
	}
	names, err := s.client.ZRangeByLex(ctx, s.indexKey(), &redis.ZRangeBy{
		Min:   lower,
		Max:   "+",
		Count: int64(pageSize + 1),
	}).Result()
	if err != nil {
		return topic.Page{}, fmt.Errorf("list topics: %w", err)
	}
	total, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return topic.Page{}, fmt.Errorf("count topics: %w", err)
	}

	page := topic.Page{TotalCount: int(total)}
	if len(names) > pageSize {
		names = names[:pageSize]
		page.NextPageToken = names[len(names)-1]
	}
	for _, name := range names {
		t, err := s.Get(ctx, name)
		if err != nil {
			if domainErrors.Is(err, domainErrors.KindTopicNotFound) {
				continue
			}
			return topic.Page{}, err
		}
		page.Topics = append(page.Topics, t)
	}
	return page, nil
}
