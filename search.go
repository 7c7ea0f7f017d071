// Package forgedb provides functionalities for an embedded vector database.
//
// This file implements a fluent search API for querying DB instances.
package forgedb

import (
	"context"
	"time"

	"github.com/ajkumar-13/forgedb/metadata"
	"github.com/ajkumar-13/forgedb/model"
)

// Search creates a new fluent search builder for the given query vector.
//
// Example:
//
//	results, err := db.Search(query).
//	    KNN(10).
//	    Where(metadata.NewFilterSet(metadata.Eq("category", metadata.String("tech")))).
//	    Execute(ctx)
func (db *DB) Search(query []float32) *SearchBuilder {
	return &SearchBuilder{
		db:    db,
		query: query,
		k:     10, // Default k
	}
}

// SearchBuilder is a fluent builder for constructing search queries.
type SearchBuilder struct {
	db      *DB
	query   []float32
	k       int
	filters *metadata.FilterSet
	timeout time.Duration
}

// KNN sets the number of nearest neighbors to return.
func (sb *SearchBuilder) KNN(k int) *SearchBuilder {
	sb.k = k
	return sb
}

// Where sets metadata filters for hybrid search. The planner chooses
// between filter-first and vector-first execution based on the filter's
// estimated selectivity.
func (sb *SearchBuilder) Where(filters *metadata.FilterSet) *SearchBuilder {
	sb.filters = filters
	return sb
}

// WithTimeout bounds the search. When the deadline expires the best
// candidates found so far are returned together with ErrDeadlineExceeded.
func (sb *SearchBuilder) WithTimeout(d time.Duration) *SearchBuilder {
	sb.timeout = d
	return sb
}

// Execute runs the search and returns the ranked results.
func (sb *SearchBuilder) Execute(ctx context.Context) ([]model.SearchResult, error) {
	res, err := sb.ExecuteFull(ctx)
	if res == nil {
		return nil, err
	}
	return res.Results, err
}

// ExecuteFull runs the search and returns the full result, including the
// execution strategy and the timeout flag.
func (sb *SearchBuilder) ExecuteFull(ctx context.Context) (*model.Result, error) {
	if sb.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sb.timeout)
		defer cancel()
	}
	return sb.db.knnSearch(ctx, sb.query, sb.k, sb.filters)
}

// MustExecute runs the search, panicking on error.
// Use this only in tests or when you're certain the query is valid.
func (sb *SearchBuilder) MustExecute(ctx context.Context) []model.SearchResult {
	results, err := sb.Execute(ctx)
	if err != nil {
		panic(err)
	}
	return results
}

// First returns only the nearest result, or an error if none found.
func (sb *SearchBuilder) First(ctx context.Context) (model.SearchResult, error) {
	sb.k = 1
	results, err := sb.Execute(ctx)
	if err != nil {
		return model.SearchResult{}, err
	}
	if len(results) == 0 {
		return model.SearchResult{}, ErrNotFound
	}
	return results[0], nil
}

// Count executes the search and returns the number of results.
func (sb *SearchBuilder) Count(ctx context.Context) (int, error) {
	results, err := sb.Execute(ctx)
	if err != nil {
		return 0, err
	}
	return len(results), nil
}

// Exists checks if at least one result matches the search.
func (sb *SearchBuilder) Exists(ctx context.Context) (bool, error) {
	sb.k = 1
	results, err := sb.Execute(ctx)
	if err != nil {
		return false, err
	}
	return len(results) > 0, nil
}
