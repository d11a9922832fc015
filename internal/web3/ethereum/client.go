package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "GluePay-Chain/internal/errors"
	"GluePay-Chain/internal/ledger"
)

// tokenABI covers the EIP-3009 surface of the settlement asset: balance and
// authorization-state reads plus the two authorization-consuming writes.
const tokenABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"authorizationState","stateMutability":"view","inputs":[{"name":"authorizer","type":"address"},{"name":"nonce","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"transferWithAuthorization","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"cancelAuthorization","stateMutability":"nonpayable","inputs":[{"name":"authorizer","type":"address"},{"name":"nonce","type":"bytes32"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[]}
]`

// Config describes how to construct an EVM settlement client.
type Config struct {
	Name         string
	RPCURL       string
	ChainID      *big.Int
	TokenAddress common.Address
	// PrivateKey funds gas for submitted authorizations. The payer never
	// needs gas; that is the point of the delegated transfer.
	PrivateKey  *ecdsa.PrivateKey
	WaitTimeout time.Duration
}

// Client submits authorized transfers to an EIP-3009 token contract. It
// implements the settlement subset of the ledger operations; owner-initiated
// transfers stay on-chain and are out of the facilitator's path.
type Client struct {
	name        string
	eth         *ethclient.Client
	token       *bind.BoundContract
	auth        *bind.TransactOpts
	waitTimeout time.Duration
	mu          sync.Mutex
}

// NewClient dials the configured RPC endpoint and binds the token contract.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 EVM 节点 RPC 地址")
	}
	if cfg.ChainID == nil {
		return nil, errors.New("未配置 chain id")
	}
	if cfg.PrivateKey == nil {
		return nil, errors.New("未配置结算账户私钥")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接 EVM 节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	parsed, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("解析代币 ABI 失败: %w", err)
	}
	token := bind.NewBoundContract(cfg.TokenAddress, parsed, eth, eth, eth)

	auth, err := bind.NewKeyedTransactorWithChainID(cfg.PrivateKey, cfg.ChainID)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("构造交易签名器失败: %w", err)
	}

	waitTimeout := cfg.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = 30 * time.Second
	}

	return &Client{
		name:        cfg.Name,
		eth:         eth,
		token:       token,
		auth:        auth,
		waitTimeout: waitTimeout,
	}, nil
}

// BalanceOf reads the payer's token balance.
func (c *Client) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.token.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", addr); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "查询余额失败")
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNetworkFailure, "余额返回值类型异常")
	}
	return balance, nil
}

// AuthorizationUsed reports whether the (payer, nonce) pair was consumed.
func (c *Client) AuthorizationUsed(ctx context.Context, payer common.Address, nonce [32]byte) (bool, error) {
	var out []interface{}
	if err := c.token.Call(&bind.CallOpts{Context: ctx}, &out, "authorizationState", payer, nonce); err != nil {
		return false, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "查询授权状态失败")
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, xerrors.New(xerrors.CodeNetworkFailure, "授权状态返回值类型异常")
	}
	return used, nil
}

// AuthorizedTransfer submits transferWithAuthorization and waits for the
// transaction to be mined. The contract enforces window, nonce and signature
// checks atomically; this client only relays and maps revert reasons.
func (c *Client) AuthorizedTransfer(ctx context.Context, auth ledger.Authorization) (ledger.Receipt, error) {
	v, r, s, err := splitSignature(auth.Signature)
	if err != nil {
		return ledger.Receipt{}, err
	}

	c.mu.Lock()
	opts := *c.auth
	opts.Context = ctx
	tx, err := c.token.Transact(&opts, "transferWithAuthorization",
		auth.From, auth.To, auth.Value,
		big.NewInt(auth.ValidAfter), big.NewInt(auth.ValidBefore),
		auth.Nonce, v, r, s,
	)
	c.mu.Unlock()
	if err != nil {
		return ledger.Receipt{}, mapRevert(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.waitTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, c.eth, tx)
	if err != nil {
		return ledger.Receipt{}, xerrors.Wrap(xerrors.CodeTimeout, err,
			"等待结算交易确认超时", xerrors.WithMetadata("tx", tx.Hash().Hex()))
	}
	if receipt.Status == 0 {
		return ledger.Receipt{}, xerrors.New(xerrors.CodeUnknown, "结算交易回滚",
			xerrors.WithMetadata("tx", tx.Hash().Hex()))
	}

	return ledger.Receipt{
		Reference:  tx.Hash().Hex(),
		From:       auth.From,
		To:         auth.To,
		Value:      new(big.Int).Set(auth.Value),
		Nonce:      auth.Nonce,
		ExecutedAt: time.Now().Unix(),
	}, nil
}

// CancelAuthorization relays a signed nonce revocation.
func (c *Client) CancelAuthorization(ctx context.Context, cancel ledger.Cancellation) error {
	v, r, s, err := splitSignature(cancel.Signature)
	if err != nil {
		return err
	}

	c.mu.Lock()
	opts := *c.auth
	opts.Context = ctx
	tx, err := c.token.Transact(&opts, "cancelAuthorization", cancel.Authorizer, cancel.Nonce, v, r, s)
	c.mu.Unlock()
	if err != nil {
		return mapRevert(err)
	}

	waitCtx, timeout := context.WithTimeout(ctx, c.waitTimeout)
	defer timeout()
	receipt, err := bind.WaitMined(waitCtx, c.eth, tx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "等待撤销交易确认超时")
	}
	if receipt.Status == 0 {
		return xerrors.New(xerrors.CodeUnknown, "撤销交易回滚")
	}
	return nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

func splitSignature(sig []byte) (uint8, [32]byte, [32]byte, error) {
	var r, s [32]byte
	if len(sig) != 65 {
		return 0, r, s, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("签名长度必须是 65 字节，实际 %d", len(sig)))
	}
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}

// mapRevert translates known EIP-3009 revert reasons into ledger error codes
// so the facilitator reports the same taxonomy for local and EVM backends.
func mapRevert(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authorization is used") || strings.Contains(msg, "authorization is canceled"):
		return ledger.ErrNonceReused
	case strings.Contains(msg, "not yet valid"):
		return ledger.ErrAuthorizationNotYetValid
	case strings.Contains(msg, "authorization is expired"):
		return ledger.ErrAuthorizationExpired
	case strings.Contains(msg, "invalid signature"):
		return ledger.ErrInvalidSignature
	case strings.Contains(msg, "exceeds balance") || strings.Contains(msg, "insufficient"):
		return ledger.ErrInsufficientBalance
	default:
		return xerrors.Wrap(xerrors.CodeNetworkFailure, err, "提交结算交易失败")
	}
}
