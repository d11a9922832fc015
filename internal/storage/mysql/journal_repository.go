package mysql

import (
	"context"
	"database/sql"

	xerrors "GluePay-Chain/internal/errors"
	"GluePay-Chain/internal/txlog"
)

// SQLJournal 使用 MySQL 持久化结算流水。
type SQLJournal struct {
	db *sql.DB
}

// NewSQLJournal 建立连接池并执行迁移。
func NewSQLJournal(ctx context.Context, cfg Config) (*SQLJournal, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化流水存储失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行流水迁移失败")
	}
	return &SQLJournal{db: db}, nil
}

// Append 写入一条流水。reference 是主键, 重复投递直接忽略。
func (j *SQLJournal) Append(ctx context.Context, entry txlog.Entry) error {
	_, err := j.db.ExecContext(ctx, `INSERT IGNORE INTO settlements
        (reference, network, asset, payer, payee, amount, nonce, executed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Reference, entry.Network, entry.Asset, entry.From, entry.To, entry.Value, entry.Nonce, entry.ExecutedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入流水失败")
	}
	return nil
}

// ListLatest 查询最近的流水记录。
func (j *SQLJournal) ListLatest(ctx context.Context, limit int) ([]txlog.Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `SELECT reference, network, asset, payer, payee, amount, nonce, executed_at
        FROM settlements ORDER BY executed_at DESC, reference DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询流水失败")
	}
	defer rows.Close()

	var entries []txlog.Entry
	for rows.Next() {
		var entry txlog.Entry
		if err := rows.Scan(&entry.Reference, &entry.Network, &entry.Asset, &entry.From, &entry.To, &entry.Value, &entry.Nonce, &entry.ExecutedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析流水失败")
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历流水失败")
	}
	return entries, nil
}

// Close 关闭底层数据库连接。
func (j *SQLJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
