// Package planner turns a hybrid query (vector plus optional metadata
// filter) into an execution strategy. Unfiltered queries go straight to
// the graph. Filtered queries pick between vector-first with a
// post-filter and oversampling retries (selective filters pass most
// candidates through) and filter-first restricted brute force (a tiny
// candidate set is cheaper to scan exactly than to navigate around).
// The crossover is decided by the metadata collaborator's selectivity
// estimate.
package planner
