// Package metadata defines the filter model for hybrid queries and the
// collaborator interface the query planner consults: a selectivity
// estimate and a candidate id set per filter. A roaring-bitmap inverted
// index ships as the reference collaborator; callers may plug in their
// own.
package metadata
