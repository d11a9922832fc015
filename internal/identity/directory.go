package identity

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	xerrors "GluePay-Chain/internal/errors"
)

// Record 把一个不透明身份绑定到控制地址与发现域名。domain 仅用于发现，
// 不参与任何信任判断。
type Record struct {
	ID           string         `json:"id"`
	Owner        common.Address `json:"owner"`
	Domain       string         `json:"domain"`
	RegisteredAt int64          `json:"registered_at"`
}

// Directory 抽象身份目录的持久化接口。
type Directory interface {
	// Register 创建新身份。domain 在目录内唯一。
	Register(ctx context.Context, owner common.Address, domain string) (*Record, error)
	// Get 按身份 ID 查询。
	Get(ctx context.Context, id string) (*Record, error)
	// ResolveByAddress 按控制地址反查身份。
	ResolveByAddress(ctx context.Context, addr common.Address) (*Record, error)
	// TransferOwnership 由当前控制地址把身份移交给新地址。旧钥匙签出的
	// 在途授权在各自过期或被撤销前仍然有效。
	TransferOwnership(ctx context.Context, id string, caller, newOwner common.Address) error
	Close() error
}

var (
	// ErrIdentityNotFound 表示指定身份不存在。
	ErrIdentityNotFound = xerrors.New(CodeIdentityNotFound, "identity not found")
	// ErrDomainAlreadyClaimed 表示域名已被其它身份占用。
	ErrDomainAlreadyClaimed = xerrors.New(CodeDomainAlreadyClaimed, "domain already claimed")
	// ErrNotOwner 表示调用方不是身份的当前控制地址。
	ErrNotOwner = xerrors.New(CodeNotOwner, "caller does not own identity")
)

const (
	CodeIdentityNotFound     xerrors.Code = "UNKNOWN_IDENTITY"
	CodeDomainAlreadyClaimed xerrors.Code = "DOMAIN_ALREADY_CLAIMED"
	CodeNotOwner             xerrors.Code = "NOT_IDENTITY_OWNER"
)

func init() {
	xerrors.Register(CodeIdentityNotFound, xerrors.Attributes{
		Message:   "identity not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDomainAlreadyClaimed, xerrors.Attributes{
		Message:   "domain already claimed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotOwner, xerrors.Attributes{
		Message:   "caller does not own identity",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}
