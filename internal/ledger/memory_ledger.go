package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "GluePay-Chain/internal/errors"
	"GluePay-Chain/internal/signing"
)

// MemoryLedger 以内存方式维护余额与已用 nonce 集合，是账本语义的参考实现，
// 也用于本地部署与测试。互斥锁保证 nonce 检查与记账不可分割。
type MemoryLedger struct {
	domain     signing.Domain
	mu         sync.Mutex
	balances   map[common.Address]*big.Int
	used       map[common.Address]map[[32]byte]struct{}
	allowances map[common.Address]map[common.Address]*big.Int
}

// NewMemoryLedger 创建 MemoryLedger。domain 决定签名校验所绑定的网络与资产。
func NewMemoryLedger(domain signing.Domain) *MemoryLedger {
	return &MemoryLedger{
		domain:     domain,
		balances:   make(map[common.Address]*big.Int),
		used:       make(map[common.Address]map[[32]byte]struct{}),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// Domain 返回账本绑定的签名域。
func (m *MemoryLedger) Domain() signing.Domain {
	return m.domain
}

// Mint 由账本运营方为指定地址增发余额。
func (m *MemoryLedger) Mint(_ context.Context, to common.Address, value *big.Int) error {
	if value == nil || value.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "mint value must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(to, value)
	return nil
}

// BalanceOf 返回地址当前余额。
func (m *MemoryLedger) BalanceOf(_ context.Context, addr common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.balance(addr)), nil
}

// Transfer 执行持有人自己发起的转账。
func (m *MemoryLedger) Transfer(_ context.Context, from, to common.Address, value *big.Int) error {
	if value == nil || value.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "transfer value must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balance(from).Cmp(value) < 0 {
		return ErrInsufficientBalance
	}
	m.debit(from, value)
	m.credit(to, value)
	return nil
}

// Approve 设置经典授权额度。该路径与免 gas 结算互不影响。
func (m *MemoryLedger) Approve(_ context.Context, owner, spender common.Address, value *big.Int) error {
	if value == nil || value.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "approve value must be non-negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	spenders, ok := m.allowances[owner]
	if !ok {
		spenders = make(map[common.Address]*big.Int)
		m.allowances[owner] = spenders
	}
	spenders[spender] = new(big.Int).Set(value)
	return nil
}

// Allowance 返回 owner 授予 spender 的剩余额度。
func (m *MemoryLedger) Allowance(_ context.Context, owner, spender common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.allowance(owner, spender)), nil
}

// TransferFrom 按授权额度代为转账。
func (m *MemoryLedger) TransferFrom(_ context.Context, spender, from, to common.Address, value *big.Int) error {
	if value == nil || value.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "transfer value must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	remaining := m.allowance(from, spender)
	if remaining.Cmp(value) < 0 {
		return ErrInsufficientAllowance
	}
	if m.balance(from).Cmp(value) < 0 {
		return ErrInsufficientBalance
	}
	m.allowances[from][spender] = new(big.Int).Sub(remaining, value)
	m.debit(from, value)
	m.credit(to, value)
	return nil
}

// AuthorizedTransfer 执行第三方提交的授权转账。检查顺序：时间窗口、nonce、
// 签名、余额；全部通过后在同一临界区内标记 nonce 并完成记账。
func (m *MemoryLedger) AuthorizedTransfer(_ context.Context, auth Authorization) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().Unix()
	if err := CheckWindow(now, auth); err != nil {
		return Receipt{}, err
	}
	if m.nonceUsed(auth.From, auth.Nonce) {
		return Receipt{}, ErrNonceReused
	}
	if err := VerifyTransferSignature(m.domain, auth); err != nil {
		return Receipt{}, err
	}
	if m.balance(auth.From).Cmp(auth.Value) < 0 {
		return Receipt{}, ErrInsufficientBalance
	}

	m.markNonce(auth.From, auth.Nonce)
	m.debit(auth.From, auth.Value)
	m.credit(auth.To, auth.Value)

	return Receipt{
		Reference:  uuid.NewString(),
		From:       auth.From,
		To:         auth.To,
		Value:      new(big.Int).Set(auth.Value),
		Nonce:      auth.Nonce,
		ExecutedAt: now,
	}, nil
}

// CancelAuthorization 将未使用的 nonce 标记为已用，不发生价值转移。
func (m *MemoryLedger) CancelAuthorization(_ context.Context, cancel Cancellation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.nonceUsed(cancel.Authorizer, cancel.Nonce) {
		return ErrNonceReused
	}
	if err := VerifyCancelSignature(m.domain, cancel); err != nil {
		return err
	}
	m.markNonce(cancel.Authorizer, cancel.Nonce)
	return nil
}

// AuthorizationUsed 查询指定 nonce 是否已被消费，供结算超时后的状态回查。
func (m *MemoryLedger) AuthorizationUsed(_ context.Context, payer common.Address, nonce [32]byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonceUsed(payer, nonce), nil
}

func (m *MemoryLedger) balance(addr common.Address) *big.Int {
	if bal, ok := m.balances[addr]; ok {
		return bal
	}
	return big.NewInt(0)
}

func (m *MemoryLedger) allowance(owner, spender common.Address) *big.Int {
	if spenders, ok := m.allowances[owner]; ok {
		if v, ok := spenders[spender]; ok {
			return v
		}
	}
	return big.NewInt(0)
}

func (m *MemoryLedger) credit(addr common.Address, value *big.Int) {
	m.balances[addr] = new(big.Int).Add(m.balance(addr), value)
}

func (m *MemoryLedger) debit(addr common.Address, value *big.Int) {
	m.balances[addr] = new(big.Int).Sub(m.balance(addr), value)
}

func (m *MemoryLedger) nonceUsed(payer common.Address, nonce [32]byte) bool {
	set, ok := m.used[payer]
	if !ok {
		return false
	}
	_, used := set[nonce]
	return used
}

func (m *MemoryLedger) markNonce(payer common.Address, nonce [32]byte) {
	set, ok := m.used[payer]
	if !ok {
		set = make(map[[32]byte]struct{})
		m.used[payer] = set
	}
	set[nonce] = struct{}{}
}
