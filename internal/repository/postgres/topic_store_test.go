package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
	"github.com/suokelife/messagebus/internal/domain/topic"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *int:
			*p = r.values[i].(int)
		case *int64:
			*p = r.values[i].(int64)
		case *bool:
			*p = r.values[i].(bool)
		case *map[string]string:
			*p = r.values[i].(map[string]string)
		case *time.Time:
			*p = r.values[i].(time.Time)
		default:
			return errors.New("unsupported scan target")
		}
	}
	return nil
}

type fakeDB struct {
	row      fakeRow
	tag      pgconn.CommandTag
	execErr  error
	lastSQL  string
	lastArgs []any
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.lastSQL, f.lastArgs = sql, args
	return f.row
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastSQL, f.lastArgs = sql, args
	return f.tag, f.execErr
}

func (f *fakeDB) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	return nil, errors.New("not implemented")
}

func TestTopicStore_Get(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	db := &fakeDB{row: fakeRow{values: []any{
		"orders", 3, 2, int64(60000), int64(4096), map[string]string{"team": "ops"}, created,
	}}}
	s := NewTopicStore(db)

	got, err := s.Get(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", got.Name)
	assert.Equal(t, 3, got.PartitionCount)
	assert.Equal(t, 2, got.ReplicationFactor)
	assert.Equal(t, time.Minute, got.RetentionPolicy.Duration)
	assert.Equal(t, int64(4096), got.RetentionPolicy.MaxBytes)
	assert.Equal(t, "ops", got.Labels["team"])
	assert.Equal(t, []any{"orders"}, db.lastArgs)
}

func TestTopicStore_GetNotFound(t *testing.T) {
	s := NewTopicStore(&fakeDB{row: fakeRow{err: pgx.ErrNoRows}})

	_, err := s.Get(context.Background(), "orders")
	assert.ErrorIs(t, err, domainErrors.ErrTopicNotFound)
}

func TestTopicStore_GetNilLabels(t *testing.T) {
	db := &fakeDB{row: fakeRow{values: []any{
		"orders", 1, 1, int64(0), int64(0), map[string]string(nil), time.Now(),
	}}}

	got, err := NewTopicStore(db).Get(context.Background(), "orders")
	require.NoError(t, err)
	assert.NotNil(t, got.Labels)
}

func TestTopicStore_Save(t *testing.T) {
	db := &fakeDB{row: fakeRow{values: []any{true}}}
	s := NewTopicStore(db)

	tp := topic.New("orders", 3, 1)
	tp.Labels = nil
	tp.RetentionPolicy.Duration = 2 * time.Second

	inserted, err := s.Save(context.Background(), tp)
	require.NoError(t, err)
	assert.True(t, inserted)
	require.Len(t, db.lastArgs, 7)
	assert.Equal(t, int64(2000), db.lastArgs[3])
	assert.Equal(t, map[string]string{}, db.lastArgs[5])
}

func TestTopicStore_Delete(t *testing.T) {
	db := &fakeDB{tag: pgconn.NewCommandTag("DELETE 1")}
	s := NewTopicStore(db)

	deleted, err := s.Delete(context.Background(), "orders")
	require.NoError(t, err)
	assert.True(t, deleted)

	db.tag = pgconn.NewCommandTag("DELETE 0")
	deleted, err = s.Delete(context.Background(), "orders")
	require.NoError(t, err)
	assert.False(t, deleted)

	db.execErr = errors.New("connection reset")
	_, err = s.Delete(context.Background(), "orders")
	assert.Error(t, err)
}

func TestTopicStore_Exists(t *testing.T) {
	s := NewTopicStore(&fakeDB{row: fakeRow{values: []any{true}}})

	ok, err := s.Exists(context.Background(), "orders")
	require.NoError(t, err)
	assert.True(t, ok)
}
