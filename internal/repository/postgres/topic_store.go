package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
	"github.com/suokelife/messagebus/internal/domain/topic"
)

// TopicStore implements topic.Store on the topics table.
type TopicStore struct {
	db Beginner
}

var _ topic.Store = (*TopicStore)(nil)

// NewTopicStore creates a TopicStore; pass a *pgxpool.Pool.
func NewTopicStore(db Beginner) *TopicStore {
	return &TopicStore{db: db}
}

func (s *TopicStore) conn(ctx context.Context) DBTX {
	return connFromCtx(ctx, s.db)
}

type scanner interface {
	Scan(dest ...any) error
}

const topicColumns = `name, partition_count, replication_factor, retention_ms, retention_max_bytes, labels, created_at`

func scanTopic(row scanner) (topic.Topic, error) {
	var (
		t           topic.Topic
		retentionMS int64
		labels      map[string]string
	)
	err := row.Scan(&t.Name, &t.PartitionCount, &t.ReplicationFactor, &retentionMS,
		&t.RetentionPolicy.MaxBytes, &labels, &t.CreatedAt)
	if err != nil {
		return topic.Topic{}, err
	}
	t.RetentionPolicy.Duration = time.Duration(retentionMS) * time.Millisecond
	if labels == nil {
		labels = map[string]string{}
	}
	t.Labels = labels
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

// Save upserts t. The xmax check distinguishes an insert from an update.
func (s *TopicStore) Save(ctx context.Context, t topic.Topic) (bool, error) {
	labels := t.Labels
	if labels == nil {
		labels = map[string]string{}
	}

	var inserted bool
	err := s.conn(ctx).QueryRow(ctx,
		`INSERT INTO topics (name, partition_count, replication_factor, retention_ms, retention_max_bytes, labels, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (name) DO UPDATE SET
		     partition_count = EXCLUDED.partition_count,
		     replication_factor = EXCLUDED.replication_factor,
		     retention_ms = EXCLUDED.retention_ms,
		     retention_max_bytes = EXCLUDED.retention_max_bytes,
		     labels = EXCLUDED.labels,
		     updated_at = NOW()
		 RETURNING (xmax = 0)`,
		t.Name, t.PartitionCount, t.ReplicationFactor, t.RetentionPolicy.Duration.Milliseconds(),
		t.RetentionPolicy.MaxBytes, labels, t.CreatedAt,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert topic %s: %w", t.Name, err)
	}
	return inserted, nil
}

func (s *TopicStore) Get(ctx context.Context, name string) (topic.Topic, error) {
	t, err := scanTopic(s.conn(ctx).QueryRow(ctx,
		`SELECT `+topicColumns+` FROM topics WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return topic.Topic{}, fmt.Errorf("%s: %w", name, domainErrors.ErrTopicNotFound)
		}
		return topic.Topic{}, fmt.Errorf("get topic %s: %w", name, err)
	}
	return t, nil
}

func (s *TopicStore) Exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM topics WHERE name = $1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check topic %s: %w", name, err)
	}
	return exists, nil
}

func (s *TopicStore) Delete(ctx context.Context, name string) (bool, error) {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM topics WHERE name = $1`, name)
	if err != nil {
		return false, fmt.Errorf("delete topic %s: %w", name, err)
	}
	return tag.RowsAffected() == 1, nil
}

// List uses keyset pagination on name. The count and the page are read in
// one repeatable-read transaction so they agree.
func (s *TopicStore) List(ctx context.Context, pageSize int, pageToken string) (topic.Page, error) {
	if pageSize <= 0 {
		pageSize = topic.DefaultPageSize
	}

	var page topic.Page
	err := withTransaction(ctx, s.db, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(ctx context.Context) error {
		if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM topics`).Scan(&page.TotalCount); err != nil {
			return fmt.Errorf("count topics: %w", err)
		}

		rows, err := s.conn(ctx).Query(ctx,
			`SELECT `+topicColumns+` FROM topics WHERE name > $1 ORDER BY name LIMIT $2`,
			pageToken, pageSize+1)
		if err != nil {
			return fmt.Errorf("list topics: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTopic(rows)
			if err != nil {
				return fmt.Errorf("scan topic: %w", err)
			}
			page.Topics = append(page.Topics, t)
		}
		return rows.Err()
	})
	if err != nil {
		return topic.Page{}, err
	}

	if len(page.Topics) > pageSize {
		page.Topics = page.Topics[:pageSize]
		page.NextPageToken = page.Topics[pageSize-1].Name
	}
	return page, nil
}
