// Package store persists workers, compliance records and alert rows, and
// keeps the short-lived feed of recent violations.
//
// Repository has two implementations: MySQL (go-sql-driver/mysql, schema
// created on open) and Memory, used when no DSN is configured. Recent is an
// in-memory TTL map with a background eviction loop; it backs the live
// violations endpoint.
package store
