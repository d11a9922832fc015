package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	xerrors "GluePay-Chain/internal/errors"
	"GluePay-Chain/internal/identity"
)

// SQLIdentityDirectory 使用 MySQL 持久化身份目录。
type SQLIdentityDirectory struct {
	db *sql.DB
}

// NewSQLIdentityDirectory 建立连接池并执行迁移。
func NewSQLIdentityDirectory(ctx context.Context, cfg Config) (*SQLIdentityDirectory, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化身份目录失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行身份目录迁移失败")
	}
	return &SQLIdentityDirectory{db: db}, nil
}

// Register 创建新身份。域名唯一键保证并发注册同名域名只成功一次。
func (d *SQLIdentityDirectory) Register(ctx context.Context, owner common.Address, domain string) (*identity.Record, error) {
	domain = strings.TrimSpace(strings.ToLower(domain))
	if domain == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "域名不能为空")
	}

	record := &identity.Record{
		ID:           uuid.NewString(),
		Owner:        owner,
		Domain:       domain,
		RegisteredAt: time.Now().Unix(),
	}
	_, err := d.db.ExecContext(ctx, `INSERT INTO identities (id, owner, domain, registered_at) VALUES (?, ?, ?, ?)`,
		record.ID, record.Owner.Hex(), record.Domain, record.RegisteredAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == duplicateEntry {
			return nil, identity.ErrDomainAlreadyClaimed
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入身份失败")
	}
	return record, nil
}

// Get 按身份 ID 查询。
func (d *SQLIdentityDirectory) Get(ctx context.Context, id string) (*identity.Record, error) {
	return d.queryOne(ctx, `SELECT id, owner, domain, registered_at FROM identities WHERE id = ?`, id)
}

// ResolveByAddress 按控制地址反查身份。一个地址绑定多个身份时返回最早注册的。
func (d *SQLIdentityDirectory) ResolveByAddress(ctx context.Context, addr common.Address) (*identity.Record, error) {
	return d.queryOne(ctx, `SELECT id, owner, domain, registered_at FROM identities
        WHERE owner = ? ORDER BY registered_at ASC LIMIT 1`, addr.Hex())
}

// TransferOwnership 移交身份控制权, 仅当前控制地址可以发起。
func (d *SQLIdentityDirectory) TransferOwnership(ctx context.Context, id string, caller, newOwner common.Address) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT owner FROM identities WHERE id = ? FOR UPDATE`, id).Scan(&owner)
	if stdErrors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return identity.ErrIdentityNotFound
	}
	if err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定身份失败")
	}
	if common.HexToAddress(owner) != caller {
		tx.Rollback()
		return identity.ErrNotOwner
	}
	if _, err := tx.ExecContext(ctx, `UPDATE identities SET owner = ? WHERE id = ?`, newOwner.Hex(), id); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新身份失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// Close 关闭底层数据库连接。
func (d *SQLIdentityDirectory) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *SQLIdentityDirectory) queryOne(ctx context.Context, query string, arg any) (*identity.Record, error) {
	var (
		record identity.Record
		owner  string
	)
	err := d.db.QueryRowContext(ctx, query, arg).Scan(&record.ID, &owner, &record.Domain, &record.RegisteredAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrIdentityNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询身份失败")
	}
	record.Owner = common.HexToAddress(owner)
	return &record, nil
}
