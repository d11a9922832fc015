package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "GluePay-Chain/internal/errors"
	"GluePay-Chain/internal/signing"
)

// Authorization 是一笔由付款方离线签名、可由任意第三方提交执行的转账授权。
// 一个 (payer, nonce) 组合至多被消费一次。
type Authorization struct {
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Value       *big.Int       `json:"value"`
	ValidAfter  int64          `json:"validAfter"`
	ValidBefore int64          `json:"validBefore"`
	Nonce       [32]byte       `json:"nonce"`
	Signature   []byte         `json:"signature"`
}

// Cancellation 表示付款方对尚未使用的 nonce 的撤销请求。
type Cancellation struct {
	Authorizer common.Address `json:"authorizer"`
	Nonce      [32]byte       `json:"nonce"`
	Signature  []byte         `json:"signature"`
}

// Receipt 记录一次授权转账的执行结果。
type Receipt struct {
	Reference  string         `json:"reference"`
	From       common.Address `json:"from"`
	To         common.Address `json:"to"`
	Value      *big.Int       `json:"value"`
	Nonce      [32]byte       `json:"nonce"`
	ExecutedAt int64          `json:"executed_at"`
}

// Ledger 抽象账本后端。AuthorizedTransfer 的检查与记账必须是单个原子操作，
// 账本自身即互斥边界，调用方无需额外加锁。
type Ledger interface {
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
	Transfer(ctx context.Context, from, to common.Address, value *big.Int) error
	Approve(ctx context.Context, owner, spender common.Address, value *big.Int) error
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	TransferFrom(ctx context.Context, spender, from, to common.Address, value *big.Int) error
	AuthorizedTransfer(ctx context.Context, auth Authorization) (Receipt, error)
	CancelAuthorization(ctx context.Context, cancel Cancellation) error
	AuthorizationUsed(ctx context.Context, payer common.Address, nonce [32]byte) (bool, error)
}

var (
	// ErrAuthorizationNotYetValid 表示当前时间早于授权生效时间。
	ErrAuthorizationNotYetValid = xerrors.New(CodeAuthorizationNotYetValid, "authorization not yet valid")
	// ErrAuthorizationExpired 表示授权已过有效期。
	ErrAuthorizationExpired = xerrors.New(CodeAuthorizationExpired, "authorization expired")
	// ErrNonceReused 表示该 (payer, nonce) 已被消费。
	ErrNonceReused = xerrors.New(CodeNonceReused, "nonce already used")
	// ErrInvalidSignature 表示签名无法恢复出付款方地址。
	ErrInvalidSignature = xerrors.New(CodeInvalidSignature, "invalid signature")
	// ErrInsufficientBalance 表示付款方余额不足。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient balance")
	// ErrInsufficientAllowance 表示授权额度不足。
	ErrInsufficientAllowance = xerrors.New(CodeInsufficientAllowance, "insufficient allowance")
)

const (
	CodeAuthorizationNotYetValid xerrors.Code = "AUTHORIZATION_NOT_YET_VALID"
	CodeAuthorizationExpired     xerrors.Code = "AUTHORIZATION_EXPIRED"
	CodeNonceReused              xerrors.Code = "NONCE_REUSED"
	CodeInvalidSignature         xerrors.Code = "INVALID_SIGNATURE"
	CodeInsufficientBalance      xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeInsufficientAllowance    xerrors.Code = "INSUFFICIENT_ALLOWANCE"
)

func init() {
	xerrors.Register(CodeAuthorizationNotYetValid, xerrors.Attributes{
		Message:   "authorization not yet valid",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAuthorizationExpired, xerrors.Attributes{
		Message:   "authorization expired",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNonceReused, xerrors.Attributes{
		Message:   "nonce already used",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidSignature, xerrors.Attributes{
		Message:   "invalid signature",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:   "insufficient balance",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientAllowance, xerrors.Attributes{
		Message:   "insufficient allowance",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// CheckWindow 校验授权的时间窗口。检查顺序先于 nonce 与签名，与链上合约一致。
func CheckWindow(now int64, auth Authorization) error {
	if now < auth.ValidAfter {
		return ErrAuthorizationNotYetValid
	}
	if now > auth.ValidBefore {
		return ErrAuthorizationExpired
	}
	return nil
}

// VerifyTransferSignature 重算域分隔消息摘要并校验签名恢复出的地址。
func VerifyTransferSignature(domain signing.Domain, auth Authorization) error {
	if auth.Value == nil || auth.Value.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "transfer value must be positive")
	}
	digest, err := signing.TransferDigest(domain, auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "compute transfer digest")
	}
	recovered, err := signing.Recover(digest, auth.Signature)
	if err != nil {
		return xerrors.Wrap(CodeInvalidSignature, err, "recover signer")
	}
	if recovered != auth.From {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyCancelSignature 校验撤销消息的签名。
func VerifyCancelSignature(domain signing.Domain, cancel Cancellation) error {
	digest, err := signing.CancelDigest(domain, cancel.Authorizer, cancel.Nonce)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "compute cancel digest")
	}
	recovered, err := signing.Recover(digest, cancel.Signature)
	if err != nil {
		return xerrors.Wrap(CodeInvalidSignature, err, "recover signer")
	}
	if recovered != cancel.Authorizer {
		return ErrInvalidSignature
	}
	return nil
}
