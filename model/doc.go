// Package model contains the shared value types of forgedb: record
// identifiers, segment identifiers and search results. It has no
// dependencies and may be imported from every layer.
package model
