// Package store defines the persistence contract for scraped URL records.
// Implementations live in internal/storage; this package must not import
// database drivers or concrete clients.
package store
