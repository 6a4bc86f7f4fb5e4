package store

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type doc struct {
	ID     string          `json:"id"`
	Key    string          `json:"key"`
	Rank   int             `json:"rank"`
	Open   bool            `json:"open"`
	Amount decimal.Decimal `json:"amount"`
}

func TestMemoryCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory[doc]()

	require.NoError(t, m.Save(ctx, "a", doc{ID: "a", Key: "k1", Rank: 3, Open: true, Amount: decimal.RequireFromString("1.50")}))
	require.NoError(t, m.Save(ctx, "b", doc{ID: "b", Key: "k2", Rank: 1}))
	require.NoError(t, m.Save(ctx, "c", doc{ID: "c", Key: "k3", Rank: 2, Open: true}))

	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, got.Amount.Equal(decimal.RequireFromString("1.5")))

	got.Key = "mutated"
	again, err := m.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "k1", again.Key)

	open, err := m.Find(ctx, Where(Eq("open", true)).OrderBy("rank", false))
	require.NoError(t, err)
	require.Len(t, open, 2)
	require.Equal(t, "c", open[0].ID)
	require.Equal(t, "a", open[1].ID)

	one, err := m.FindOne(ctx, Where(Eq("key", "k2")))
	require.NoError(t, err)
	require.Equal(t, "b", one.ID)

	in, err := m.Find(ctx, Where(In("key", "k1", "k3")).OrderBy("rank", true))
	require.NoError(t, err)
	require.Len(t, in, 2)
	require.Equal(t, "a", in[0].ID)

	ne, err := m.Find(ctx, Where(Ne("key", "k1")))
	require.NoError(t, err)
	require.Len(t, ne, 2)

	require.NoError(t, m.Delete(ctx, "b"))
	_, err = m.Get(ctx, "b")
	require.True(t, errors.Is(err, ErrNotFound))
	require.True(t, errors.Is(m.Delete(ctx, "b"), ErrNotFound))
	_, err = m.FindOne(ctx, Where(Eq("key", "k2")))
	require.True(t, errors.Is(err, ErrNotFound))
	require.Equal(t, 2, m.Len())
}

func TestMemoryLimitOffset(t *testing.T) {
	ctx := context.Background()
	m := NewMemory[doc]()
	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, m.Save(ctx, id, doc{ID: id, Rank: i}))
	}
	page, err := m.Find(ctx, Query{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "b", page[0].ID)
	require.Equal(t, "c", page[1].ID)

	n, err := m.Count(ctx, Query{Filters: []Filter{Ne("id", "a")}, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestBuildFind(t *testing.T) {
	query, args, err := buildFind("order", Where(Eq("status", "created"), In("id", "a", "b")).OrderBy("created_at", true))
	require.NoError(t, err)
	require.Equal(t,
		"SELECT data FROM documents WHERE kind = $1 AND data->>'status' = $2 AND data->>'id' = ANY($3) ORDER BY (data->>'created_at')::timestamptz DESC",
		query)
	require.Equal(t, []any{"order", "created", []string{"a", "b"}}, args)

	_, _, err = buildFind("order", Where(Eq("status'; drop", "x")))
	require.True(t, errors.Is(err, ErrInvalidField))
}

func TestMemorySortsTimestampsChronologically(t *testing.T) {
	ctx := context.Background()
	m := NewMemory[stamped]()
	require.NoError(t, m.Save(ctx, "late", stamped{ID: "late", CreatedAt: "2024-05-01T10:00:05.12Z"}))
	require.NoError(t, m.Save(ctx, "early", stamped{ID: "early", CreatedAt: "2024-05-01T10:00:05.1Z"}))

	found, err := m.Find(ctx, Where().OrderBy("created_at", false))
	require.NoError(t, err)
	require.Equal(t, "early", found[0].ID)
	require.Equal(t, "late", found[1].ID)

	query, _, err := buildFind("order", Where().OrderBy("reference", false))
	require.NoError(t, err)
	require.Contains(t, query, "ORDER BY data->>'reference' ASC")
}

type stamped struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
}

func TestMigrateURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@db:5432/toko", migrateURL("postgres://u:p@db:5432/toko"))
	require.Equal(t, "pgx5://db/toko", migrateURL("postgresql://db/toko"))
}
