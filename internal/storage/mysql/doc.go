// Package mysql provides repositories and data access helpers backed by MySQL.
// It encapsulates schema migrations, transactional helpers, and strongly typed
// queries for persisting account balances, consumed nonces, identities,
// reputation ratings, and settlement receipts.
package mysql
