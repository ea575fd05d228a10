// Package index mirrors sequence records into a secondary search index.
//
// The index is never authoritative. A Synchronizer pushes documents through a
// Client with one attempt and one immediate retry, each bounded by a timeout,
// and reports whatever it could not confirm. It never reads or writes the
// sequence store.
package index
