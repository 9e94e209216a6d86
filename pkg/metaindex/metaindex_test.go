package metaindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos/mnemos/pkg/storage"
)

func TestEqualsLookup(t *testing.T) {
	idx := New()
	idx.Index("a", map[string]any{"category": "blog"})
	idx.Index("b", map[string]any{"category": "news"})
	idx.Index("c", map[string]any{"category": "blog"})

	ids, err := idx.IDsForFilter(Eq("category", "blog"))
	require.NoError(t, err)
	assert.Equal(t, []storage.EntityID{"a", "c"}, ids)
}

func TestBetweenRangeQuery(t *testing.T) {
	idx := New()
	for i := 0; i < 10; i++ {
		id := storage.EntityID(string(rune('a' + i)))
		idx.Index(id, map[string]any{"year": 2000 + i})
	}
	ids, err := idx.IDsForFilter(Between2("year", 2003, 2005))
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

func TestRangeQueryTypeMismatchIsEmpty(t *testing.T) {
	idx := New()
	idx.Index("a", map[string]any{"title": "alpha"})
	idx.Index("b", map[string]any{"title": "beta"})

	ids, err := idx.IDsForFilter(Between2("title", 2003, 2005))
	require.NoError(t, err)
	assert.Empty(t, ids, "a numeric range over a string-valued field matches nothing")

	ids, err = idx.IDsForFilter(Gt("title", 10))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAndIntersects(t *testing.T) {
	idx := New()
	idx.Index("a", map[string]any{"category": "blog", "year": 2020})
	idx.Index("b", map[string]any{"category": "blog", "year": 2021})
	idx.Index("c", map[string]any{"category": "news", "year": 2020})

	ids, err := idx.IDsForFilter(And(Eq("category", "blog"), Eq("year", 2020)))
	require.NoError(t, err)
	assert.Equal(t, []storage.EntityID{"a"}, ids)
}

func TestOrUnions(t *testing.T) {
	idx := New()
	idx.Index("a", map[string]any{"category": "blog"})
	idx.Index("b", map[string]any{"category": "news"})
	idx.Index("c", map[string]any{"category": "video"})

	ids, err := idx.IDsForFilter(Or(Eq("category", "blog"), Eq("category", "news")))
	require.NoError(t, err)
	assert.Equal(t, []storage.EntityID{"a", "b"}, ids)
}

func TestNotComplement(t *testing.T) {
	idx := New()
	idx.Index("a", map[string]any{"category": "blog"})
	idx.Index("b", map[string]any{"category": "news"})

	ids, err := idx.IDsForFilter(Not(Eq("category", "blog")))
	require.NoError(t, err)
	assert.Equal(t, []storage.EntityID{"b"}, ids)
}

func TestEmptyFilterReturnsEmpty(t *testing.T) {
	idx := New()
	idx.Index("a", map[string]any{"category": "blog"})

	ids, err := idx.IDsForFilter(Eq("category", "does_not_exist"))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestContainsOnArrayField(t *testing.T) {
	idx := New()
	idx.Index("a", map[string]any{"tags": []any{"go", "db"}})
	idx.Index("b", map[string]any{"tags": []any{"rust"}})

	ids, err := idx.IDsForFilter(ContainsOp("tags", "go"))
	require.NoError(t, err)
	assert.Equal(t, []storage.EntityID{"a"}, ids)
}

func TestExistsOperator(t *testing.T) {
	idx := New()
	idx.Index("a", map[string]any{"views": 10})
	idx.Index("b", map[string]any{"category": "blog"})

	ids, err := idx.IDsForFilter(Exist("views"))
	require.NoError(t, err)
	assert.Equal(t, []storage.EntityID{"a"}, ids)
}

func TestRemoveUnindexesEntity(t *testing.T) {
	idx := New()
	meta := map[string]any{"category": "blog"}
	idx.Index("a", meta)
	idx.Remove("a", meta)

	ids, err := idx.IDsForFilter(Eq("category", "blog"))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestUnknownFieldYieldsEmptyNotError(t *testing.T) {
	idx := New()
	ids, err := idx.IDsForFilter(Eq("ghost_field", "x"))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestIsSelectiveHeuristic(t *testing.T) {
	idx := New()
	for i := 0; i < 100; i++ {
		idx.Index(storage.EntityID(rune('a'+i%26)), map[string]any{"year": 2000 + i})
	}
	assert.True(t, idx.IsSelective(&Leaf{Field: "category", Op: Equals, Value: "blog"}))
}

func TestEstimateNeverExceedsUniverse(t *testing.T) {
	idx := New()
	idx.Index("a", map[string]any{"category": "blog"})
	idx.Index("b", map[string]any{"category": "news"})
	est := idx.Estimate(Or(Eq("category", "blog"), Eq("category", "news")))
	assert.LessOrEqual(t, est, 2)
}
