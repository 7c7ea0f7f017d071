// Package distance provides the public API for vector distance
// calculations and the metric registry used to configure a collection.
package distance
