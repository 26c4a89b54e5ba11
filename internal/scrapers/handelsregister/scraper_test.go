package handelsregister

import (
	"context"
	"errors"
	"sync"
	"testing"

	"handelsregister/internal/components/telemetry"

	"github.com/stretchr/testify/require"
)

type memoryCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	loads   int
	failing bool
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string][]byte{}}
}

func (c *memoryCache) Load(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads++
	if c.failing {
		return nil, false, errors.New("cache is down")
	}
	markup, ok := c.entries[key]
	return markup, ok, nil
}

func (c *memoryCache) Save(_ context.Context, key string, markup []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("cache is down")
	}
	c.entries[key] = markup
	return nil
}

func threeRows() []fakeRow {
	return []fakeRow{
		{name: "GASAG AG", court: "Berlin HRB 44343", city: "Berlin", status: "currently registered"},
		{name: "GASAG Solution Plus GmbH", court: "Berlin HRB 1", city: "Berlin"},
		{name: "GASAG Beteiligungs GmbH", court: "Berlin HRB 2", city: "Berlin"},
	}
}

func TestScraperSearch(t *testing.T) {
	p := newFakePortal(t)
	p.rows = threeRows()
	tel := telemetry.NewRecorder()
	scraper := NewScraper(p.options(), newMemoryCache(), tel)

	results, err := scraper.Search(context.Background(), Query{
		Keywords: []string{"gasag"},
		Mode:     MatchAny,
	}, RunOptions{
		Documents:    []DocumentType{CurrentPrintout, HistoricalPrintout, StructuredContent},
		AllDocuments: true,
		Concurrency:  2,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, r := range results {
		require.Equal(t, i, r.RowIndex)
		require.Equal(t, threeRows()[i].name, r.Name)
		// fixed slots first (HD is not available), then the tree in traversal order
		require.Equal(t, []string{
			"AD_gasag.pdf",
			"SI_gasag.xml",
			"Articles of association.pdf",
			"List of shareholders.pdf",
		}, filenames(r.Documents()))
	}
	require.Equal(t, "row 2 slot 0", string(results[2].Documents()[0].Content))
	require.Len(t, p.snapshotDownloads(), 6)
	require.Empty(t, tel.Find("broken", ""))
}

func TestScraperCache(t *testing.T) {
	p := newFakePortal(t)
	cache := newMemoryCache()
	scraper := NewScraper(p.options(), cache, telemetry.NewRecorder())
	ctx := context.Background()
	query := Query{Keywords: []string{"Gasag"}, Mode: MatchAll}

	first, err := scraper.Search(ctx, query, RunOptions{})
	require.NoError(t, err)
	require.Len(t, p.searchPosts, 1)
	require.Contains(t, cache.entries, query.CacheKey())

	second, err := scraper.Search(ctx, Query{Keywords: []string{" Gasag "}, Mode: MatchAll}, RunOptions{})
	require.NoError(t, err)
	require.Len(t, p.searchPosts, 1)
	require.Equal(t, first[0].Name, second[0].Name)

	_, err = scraper.Search(ctx, query, RunOptions{Force: true})
	require.NoError(t, err)
	require.Len(t, p.searchPosts, 2)

	// downloads need a live result page
	loads := cache.loads
	_, err = scraper.Search(ctx, query, RunOptions{Documents: []DocumentType{CurrentPrintout}})
	require.NoError(t, err)
	require.Len(t, p.searchPosts, 3)
	require.Equal(t, loads, cache.loads)
}

func TestScraperCacheFailureIsNotFatal(t *testing.T) {
	p := newFakePortal(t)
	cache := newMemoryCache()
	cache.failing = true
	tel := telemetry.NewRecorder()
	scraper := NewScraper(p.options(), cache, tel)

	results, err := scraper.Search(context.Background(), Query{Keywords: []string{"Gasag"}, Mode: MatchAll}, RunOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, tel.Find("warning", report_cache_load), 1)
	require.Len(t, tel.Find("warning", report_cache_save), 1)
}

func TestScraperNodeFailureIsIsolated(t *testing.T) {
	p := newFakePortal(t)
	p.rows = threeRows()
	p.tree = map[string]fakeNode{
		"0":   {name: "Documents", children: []string{"0_0", "0_1"}},
		"0_0": {name: "Only", document: true},
		// points at a node the server does not know
		"0_1": {name: "Dangling", document: true, children: []string{"0_1_9"}},
	}
	tel := telemetry.NewRecorder()
	scraper := NewScraper(p.options(), nil, tel)

	results, err := scraper.Search(context.Background(), Query{Keywords: []string{"gasag"}, Mode: MatchAll}, RunOptions{
		AllDocuments: true,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		require.Equal(t, []string{"Only.pdf", "Dangling.pdf"}, filenames(r.Documents()))
	}
	require.Len(t, tel.Find("warning", report_tree_expand_node), 3)
}

func TestScraperValidation(t *testing.T) {
	p := newFakePortal(t)
	scraper := NewScraper(p.options(), nil, telemetry.NewRecorder())

	_, err := scraper.Search(context.Background(), Query{Mode: MatchAll}, RunOptions{})
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Equal(t, 0, p.startRequests())
}

func TestScraperCancelled(t *testing.T) {
	p := newFakePortal(t)
	scraper := NewScraper(p.options(), nil, telemetry.NewRecorder())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := scraper.Search(ctx, Query{Keywords: []string{"gasag"}, Mode: MatchAll}, RunOptions{AllDocuments: true})
	require.ErrorIs(t, err, context.Canceled)
}
