package volume

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketscope/internal/docstore"
)

var usEN = Locale{CountryCode: "us", LanguageCode: "en", Location: "2840"}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	docs, err := docstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })
	return NewCache(docs)
}

func TestKeyNormalization(t *testing.T) {
	a := Key(usEN, "Espresso Machine!")
	b := Key(usEN, "  espresso   machine ")
	assert.Equal(t, a, b)
	assert.Equal(t, "us__en__2840__espresso machine", a)

	other := Key(Locale{CountryCode: "de", LanguageCode: "de", Location: "2276"}, "espresso machine")
	assert.NotEqual(t, a, other)
}

func TestSetManyGetRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetMany(ctx, usEN, []Entry{
		{Keyword: "espresso machine", Volume: 4400, CPC: 1.2, Competition: 0.6},
		{Keyword: "burr grinder", Volume: 880, CPC: 0.9, Competition: 0.4},
	}))

	e, err := c.Get(ctx, usEN, "Espresso Machine")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, float64(4400), e.Volume)
	assert.NotEmpty(t, e.FetchedAtISO)

	miss, err := c.Get(ctx, usEN, "portafilter")
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestStaleEntryIsMiss(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	past := time.Now().Add(-40 * 24 * time.Hour)
	c.now = func() time.Time { return past }
	require.NoError(t, c.SetMany(ctx, usEN, []Entry{{Keyword: "espresso machine", Volume: 4400}}))

	// Still fresh from the perspective of the write time.
	e, err := c.Get(ctx, usEN, "espresso machine")
	require.NoError(t, err)
	assert.NotNil(t, e)

	// 40 days later the entry has aged out.
	c.now = time.Now
	e, err = c.Get(ctx, usEN, "espresso machine")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestGetManyBatchedFanOut(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var entries []Entry
	var keywords []string
	for i := 0; i < 55; i++ {
		kw := fmt.Sprintf("keyword %d", i)
		keywords = append(keywords, kw)
		if i%2 == 0 {
			entries = append(entries, Entry{Keyword: kw, Volume: float64(i * 10)})
		}
	}
	require.NoError(t, c.SetMany(ctx, usEN, entries))

	found, err := c.GetMany(ctx, usEN, keywords)
	require.NoError(t, err)
	assert.Len(t, found, 28)
	assert.Equal(t, float64(100), found[Key(usEN, "keyword 10")].Volume)
	_, odd := found[Key(usEN, "keyword 11")]
	assert.False(t, odd)
}

func TestSetManyEmptyIsNoop(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.SetMany(context.Background(), usEN, nil))
}
