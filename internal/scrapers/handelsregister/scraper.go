package handelsregister

import (
	"context"
	"errors"

	"handelsregister/internal/components/assert"
	"handelsregister/internal/components/telemetry"

	"golang.org/x/sync/errgroup"
)

const (
	report_cache_load    = "cache.load"
	report_cache_save    = "cache.save"
	report_scraper_fork  = "scraper.fork"
	report_scraper_tree  = "scraper.tree"
	report_scraper_slots = "scraper.slots"
)

// ResultCache stores raw result markup by query.
type ResultCache interface {
	Load(ctx context.Context, key string) (markup []byte, ok bool, err error)
	Save(ctx context.Context, key string, markup []byte) error
}

// NopCache never has anything and forgets everything.
type NopCache struct{}

func (NopCache) Load(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (NopCache) Save(context.Context, string, []byte) error         { return nil }

type RunOptions struct {
	// fixed-slot documents to fetch for every result, in this order
	Documents []DocumentType
	// traverse the documents tree of every result and download all of it
	AllDocuments bool
	// do not read the result markup from the cache
	Force bool
	// number of tree traversals running at once, defaults to 2
	Concurrency int
}

func (o RunOptions) needsSession() bool {
	return len(o.Documents) > 0 || o.AllDocuments
}

type Scraper struct {
	opts  SessionOptions
	cache ResultCache
	tel   telemetry.API
}

func NewScraper(opts SessionOptions, cache ResultCache, tel telemetry.API) Scraper {
	assert.NotNil(tel)
	if cache == nil {
		cache = NopCache{}
	}
	return Scraper{
		opts:  opts,
		cache: cache,
		tel:   telemetry.NewScopedAPI("handelsregister", tel),
	}
}

// Search runs `query` and acquires the documents requested by `run`. The
// failure of a single document, row or tree never fails the run; they are
// reported and skipped. On cancellation the results gathered so far are
// returned along with the context's error.
func (s Scraper) Search(ctx context.Context, query Query, run RunOptions) ([]*SearchResult, error) {
	query = query.Normalize()
	err := query.Validate()
	if err != nil {
		return nil, err
	}
	key := query.CacheKey()

	// downloads need the live result page, cached markup has no session behind it
	if !run.Force && !run.needsSession() {
		markup, ok, err := s.cache.Load(ctx, key)
		if err != nil {
			s.tel.ReportWarning(report_cache_load, err, key)
		}
		if ok {
			s.tel.ReportDebug("using cached results", key)
			return ParseResults(markup, s.tel)
		}
	}

	session, err := NewSession(s.opts, s.tel)
	if err != nil {
		return nil, err
	}
	markup, err := SearchMarkup(ctx, session, query)
	if err != nil {
		return nil, err
	}
	err = s.cache.Save(ctx, key, markup)
	if err != nil {
		s.tel.ReportWarning(report_cache_save, err, key)
	}

	results, err := ParseResults(markup, s.tel)
	if err != nil {
		return nil, err
	}

	err = s.fetchSlots(ctx, session, results, run.Documents)
	if err != nil {
		return results, err
	}
	if run.AllDocuments {
		err = s.walkTrees(ctx, session, results, run.Concurrency)
	}
	return results, err
}

func (s Scraper) fetchSlots(ctx context.Context, session *Session, results []*SearchResult, docTypes []DocumentType) error {
	for _, r := range results {
		for _, docType := range docTypes {
			err := ctx.Err()
			if err != nil {
				return err
			}
			_, err = FetchDocument(ctx, session, r, docType)
			if err != nil && !errors.Is(err, ErrDocumentNotAvailable) {
				s.tel.ReportWarning(report_scraper_slots, err, r.Name, docType.String())
			}
		}
	}
	return nil
}

func (s Scraper) walkTrees(ctx context.Context, session *Session, results []*SearchResult, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 2
	}

	var group errgroup.Group
	group.SetLimit(concurrency)
	for _, r := range results {
		r := r
		if ctx.Err() != nil {
			break
		}
		fork, err := session.Fork()
		if err != nil {
			s.tel.ReportBroken(report_scraper_fork, err, r.Name)
			continue
		}
		group.Go(func() error {
			walk, err := WalkDocuments(ctx, fork, r)
			for _, file := range walk.Documents {
				r.AddDocument(file)
			}
			if err != nil {
				s.tel.ReportWarning(report_scraper_tree, err, r.Name)
			}
			return nil
		})
	}
	group.Wait()
	return ctx.Err()
}
