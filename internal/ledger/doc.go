// Package ledger defines the account-balance store and the delegated
// authorization transfer semantics shared by all backends: in-memory, MySQL
// and EVM. The ledger is the single serialization point for settlement; the
// nonce check and the balance mutation are never observably separable.
package ledger
