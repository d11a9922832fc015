// Package web3 houses blockchain connectivity utilities for settlement:
// network definitions loaded from YAML, the settlement backend abstraction
// shared by the in-memory and EVM ledgers, and EIP-712 domain construction
// per (network, asset) pair.
package web3
