package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func seedPosts(t *testing.T, store *ObjectStore) {
	t.Helper()
	ctx := context.Background()

	rows := []map[string]any{
		{"text": "Go is fun", "views": int64(10)},
		{"text": "go further", "views": int64(25)},
		{"text": "Rust notes", "views": int64(5)},
		{"text": "gophers everywhere", "views": int64(25)},
	}
	for _, row := range rows {
		_, err := store.Create(ctx, "Post", row)
		require.NoError(t, err)
	}
}

func resourceIDs(t *testing.T, store *ObjectStore, req SearchRequest) []int64 {
	t.Helper()

	resources, err := store.Search(context.Background(), "Post", req)
	require.NoError(t, err)

	ids := make([]int64, 0, len(resources))
	for _, res := range resources {
		ids = append(ids, res.ID)
	}
	return ids
}

func TestSearchEquality(t *testing.T) {
	store := openTestStore(t)
	seedPosts(t, store)

	ids := resourceIDs(t, store, SearchRequest{Key: "views", Operator: OpEqual, Value: float64(25)})
	require.Equal(t, []int64{2, 4}, ids)
}

func TestSearchOrdering(t *testing.T) {
	store := openTestStore(t)
	seedPosts(t, store)

	ids := resourceIDs(t, store, SearchRequest{Key: "views", Operator: OpGreaterEqual, Value: float64(10)})
	require.Equal(t, []int64{1, 2, 4}, ids)

	ids = resourceIDs(t, store, SearchRequest{Key: "views", Operator: OpLess, Value: float64(10)})
	require.Equal(t, []int64{3}, ids)
}

func TestSearchStringOperators(t *testing.T) {
	store := openTestStore(t)
	seedPosts(t, store)

	ids := resourceIDs(t, store, SearchRequest{Key: "text", Operator: OpBeginsWith, Value: "go"})
	require.Equal(t, []int64{2, 4}, ids)

	ids = resourceIDs(t, store, SearchRequest{
		Key: "text", Operator: OpBeginsWith, Value: "go", Modifier: ModifierCaseInsensitive,
	})
	require.Equal(t, []int64{1, 2, 4}, ids)

	ids = resourceIDs(t, store, SearchRequest{Key: "text", Operator: OpContains, Value: "notes"})
	require.Equal(t, []int64{3}, ids)
}

func TestSearchSort(t *testing.T) {
	store := openTestStore(t)
	seedPosts(t, store)

	ids := resourceIDs(t, store, SearchRequest{
		Key: "views", Operator: OpGreater, Value: float64(0),
		Sort: []SortDescriptor{
			{Key: "views", Ascending: false},
			{Key: "text", Ascending: true},
		},
	})
	require.Equal(t, []int64{2, 4, 1, 3}, ids)
}

func TestSearchRejectsDisallowedOperator(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Search(context.Background(), "Post", SearchRequest{
		Key: "text", Operator: "matches", Value: ".*",
	})
	require.ErrorIs(t, err, ErrInvalidSearch)
}

func TestSearchRejectsUnknownKey(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Search(context.Background(), "Post", SearchRequest{
		Key: "secret", Operator: OpEqual, Value: "x",
	})
	require.ErrorIs(t, err, ErrInvalidSearch)
}

func TestSearchRejectsTypeMismatch(t *testing.T) {
	store := openTestStore(t)
	seedPosts(t, store)

	_, err := store.Search(context.Background(), "Post", SearchRequest{
		Key: "views", Operator: OpContains, Value: float64(1),
	})
	require.ErrorIs(t, err, ErrInvalidSearch)
}
