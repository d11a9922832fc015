package reputation

import (
	"context"
	stdErrors "errors"
	"sort"
	"sync"
	"time"

	xerrors "GluePay-Chain/internal/errors"
	"GluePay-Chain/internal/identity"
)

// Identities 是评价写入前校验身份存在性所需的最小目录能力。
type Identities interface {
	Get(ctx context.Context, id string) (*identity.Record, error)
}

type ratingKey struct {
	rater string
	ratee string
	role  Role
}

// MemoryStore 以内存方式保存评价记录，用于本地部署与测试。
type MemoryStore struct {
	identities Identities
	mu         sync.RWMutex
	ratings    map[ratingKey]*Rating
}

// NewMemoryStore 创建 MemoryStore。identities 为 nil 时跳过存在性校验。
func NewMemoryStore(identities Identities) *MemoryStore {
	return &MemoryStore{
		identities: identities,
		ratings:    make(map[ratingKey]*Rating),
	}
}

// Rate 实现 Store 接口。同键重复写入为覆盖语义。
func (m *MemoryStore) Rate(ctx context.Context, rating Rating) error {
	if rating.Rater == "" || rating.Ratee == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "rater 与 ratee 不能为空")
	}
	if rating.Role == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "role 不能为空")
	}
	if err := ValidateScore(rating.Score); err != nil {
		return err
	}
	if m.identities != nil {
		for _, id := range []string{rating.Rater, rating.Ratee} {
			if _, err := m.identities.Get(ctx, id); err != nil {
				if stdErrors.Is(err, identity.ErrIdentityNotFound) {
					return ErrUnknownIdentity
				}
				return err
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	clone := rating
	if clone.UpdatedAt == 0 {
		clone.UpdatedAt = time.Now().Unix()
	}
	m.ratings[ratingKey{rater: rating.Rater, ratee: rating.Ratee, role: rating.Role}] = &clone
	return nil
}

// GetRating 返回指定键下的评价记录。
func (m *MemoryStore) GetRating(_ context.Context, rater, ratee string, role Role) (*Rating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rating, ok := m.ratings[ratingKey{rater: rater, ratee: ratee, role: role}]
	if !ok {
		return nil, ErrRatingNotFound
	}
	clone := *rating
	return &clone, nil
}

// GetAllRatingsFor 返回被评方收到的全部评价，按更新时间倒序。
func (m *MemoryStore) GetAllRatingsFor(_ context.Context, ratee string) ([]*Rating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Rating
	for key, rating := range m.ratings {
		if key.ratee != ratee {
			continue
		}
		clone := *rating
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt != result[j].UpdatedAt {
			return result[i].UpdatedAt > result[j].UpdatedAt
		}
		return result[i].Rater < result[j].Rater
	})
	return result, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error {
	return nil
}
