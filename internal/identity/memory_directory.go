package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "GluePay-Chain/internal/errors"
)

// MemoryDirectory 以内存方式保存身份记录，用于本地部署与测试。
type MemoryDirectory struct {
	mu       sync.RWMutex
	records  map[string]*Record
	byDomain map[string]string
	byOwner  map[common.Address]string
}

// NewMemoryDirectory 创建 MemoryDirectory。
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		records:  make(map[string]*Record),
		byDomain: make(map[string]string),
		byOwner:  make(map[common.Address]string),
	}
}

// Register 实现 Directory 接口。
func (m *MemoryDirectory) Register(_ context.Context, owner common.Address, domain string) (*Record, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "domain 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, claimed := m.byDomain[domain]; claimed {
		return nil, ErrDomainAlreadyClaimed
	}
	record := &Record{
		ID:           uuid.NewString(),
		Owner:        owner,
		Domain:       domain,
		RegisteredAt: time.Now().Unix(),
	}
	m.records[record.ID] = record
	m.byDomain[domain] = record.ID
	m.byOwner[owner] = record.ID
	clone := *record
	return &clone, nil
}

// Get 返回身份记录。
func (m *MemoryDirectory) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	clone := *record
	return &clone, nil
}

// ResolveByAddress 按控制地址反查身份。
func (m *MemoryDirectory) ResolveByAddress(_ context.Context, addr common.Address) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byOwner[addr]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	clone := *m.records[id]
	return &clone, nil
}

// TransferOwnership 移交身份控制权。
func (m *MemoryDirectory) TransferOwnership(_ context.Context, id string, caller, newOwner common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return ErrIdentityNotFound
	}
	if record.Owner != caller {
		return ErrNotOwner
	}
	delete(m.byOwner, record.Owner)
	record.Owner = newOwner
	m.byOwner[newOwner] = id
	return nil
}

// Close 实现 Directory 接口。
func (m *MemoryDirectory) Close() error {
	return nil
}
