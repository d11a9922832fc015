package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"GluePay-Chain/internal/ledger"
)

// Kind identifies one (network, asset, scheme) combination a facilitator can
// settle. Sellers use the list to construct compatible offer descriptors.
type Kind struct {
	Network string `json:"network"`
	Asset   string `json:"asset"`
	Scheme  string `json:"scheme"`
}

// Settler is the ledger capability a facilitator needs: balance reads,
// authorized transfer submission, and nonce state lookups. Both the local
// ledger backends and the EVM client satisfy it.
type Settler interface {
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
	AuthorizedTransfer(ctx context.Context, auth ledger.Authorization) (ledger.Receipt, error)
	CancelAuthorization(ctx context.Context, cancel ledger.Cancellation) error
	AuthorizationUsed(ctx context.Context, payer common.Address, nonce [32]byte) (bool, error)
}
