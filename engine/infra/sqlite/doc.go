// Package sqlite provides the modernc.org/sqlite backed version store.
//
// The package mirrors the postgres driver layout: a Store owning the connection
// pool, embedded goose migrations and an Adapter implementing txn.Adapter with
// squirrel-built statements.
package sqlite
