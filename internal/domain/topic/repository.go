package topic

import (
	"context"
)

// Store persists topic descriptors.
type Store interface {
	// Save creates or replaces a topic; it reports whether the topic was new.
	Save(ctx context.Context, t Topic) (bool, error)

	// Get returns errors.ErrTopicNotFound when the topic is absent.
	Get(ctx context.Context, name string) (Topic, error)

	// Exists reports whether a topic with the name is stored.
	Exists(ctx context.Context, name string) (bool, error)

	// Delete reports whether a topic was removed.
	Delete(ctx context.Context, name string) (bool, error)

	// List returns topics ordered by name. An empty next token means the last page.
	List(ctx context.Context, pageSize int, pageToken string) (Page, error)
}

// DefaultPageSize applies when a listing asks for zero or fewer topics.
const DefaultPageSize = 50

// Page is one page of a topic listing.
type Page struct {
	Topics        []Topic
	NextPageToken string
	TotalCount    int
}
