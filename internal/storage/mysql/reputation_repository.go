package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "GluePay-Chain/internal/errors"
	"GluePay-Chain/internal/identity"
	"GluePay-Chain/internal/reputation"
)

// SQLReputationStore 使用 MySQL 持久化评价记录。
type SQLReputationStore struct {
	db         *sql.DB
	identities reputation.Identities
}

// NewSQLReputationStore 建立连接池并执行迁移。identities 为 nil 时跳过
// 身份存在性校验。
func NewSQLReputationStore(ctx context.Context, cfg Config, identities reputation.Identities) (*SQLReputationStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化评价存储失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行评价迁移失败")
	}
	return &SQLReputationStore{db: db, identities: identities}, nil
}

// Rate 写入或覆盖一条评价。同键后写覆盖先写。
func (s *SQLReputationStore) Rate(ctx context.Context, rating reputation.Rating) error {
	if err := reputation.ValidateScore(rating.Score); err != nil {
		return err
	}
	if err := s.checkIdentity(ctx, rating.Rater); err != nil {
		return err
	}
	if err := s.checkIdentity(ctx, rating.Ratee); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO ratings (rater, ratee, role, score, metadata, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE score = VALUES(score), metadata = VALUES(metadata), updated_at = VALUES(updated_at)`,
		rating.Rater, rating.Ratee, string(rating.Role), rating.Score, rating.Metadata, time.Now().Unix())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入评价失败")
	}
	return nil
}

// GetRating 查询指定键下的评价。
func (s *SQLReputationStore) GetRating(ctx context.Context, rater, ratee string, role reputation.Role) (*reputation.Rating, error) {
	var rating reputation.Rating
	var roleRaw string
	err := s.db.QueryRowContext(ctx, `SELECT rater, ratee, role, score, metadata, updated_at
        FROM ratings WHERE rater = ? AND ratee = ? AND role = ?`,
		rater, ratee, string(role)).Scan(&rating.Rater, &rating.Ratee, &roleRaw, &rating.Score, &rating.Metadata, &rating.UpdatedAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, reputation.ErrRatingNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询评价失败")
	}
	rating.Role = reputation.Role(roleRaw)
	return &rating, nil
}

// GetAllRatingsFor 返回指向某身份的全部评价, 按更新时间倒序。
func (s *SQLReputationStore) GetAllRatingsFor(ctx context.Context, ratee string) ([]*reputation.Rating, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rater, ratee, role, score, metadata, updated_at
        FROM ratings WHERE ratee = ? ORDER BY updated_at DESC`, ratee)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询评价列表失败")
	}
	defer rows.Close()

	var ratings []*reputation.Rating
	for rows.Next() {
		var rating reputation.Rating
		var roleRaw string
		if err := rows.Scan(&rating.Rater, &rating.Ratee, &roleRaw, &rating.Score, &rating.Metadata, &rating.UpdatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析评价失败")
		}
		rating.Role = reputation.Role(roleRaw)
		ratings = append(ratings, &rating)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历评价失败")
	}
	return ratings, nil
}

// Close 关闭底层数据库连接。
func (s *SQLReputationStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLReputationStore) checkIdentity(ctx context.Context, id string) error {
	if s.identities == nil {
		return nil
	}
	if _, err := s.identities.Get(ctx, id); err != nil {
		if stdErrors.Is(err, identity.ErrIdentityNotFound) {
			return reputation.ErrUnknownIdentity
		}
		return err
	}
	return nil
}
