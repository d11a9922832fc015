package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	xerrors "GluePay-Chain/internal/errors"
	"GluePay-Chain/internal/ledger"
	"GluePay-Chain/internal/signing"
)

const duplicateEntry = 1062

// SQLLedgerRepository 使用 MySQL 持久化账本状态。授权转账的检查与记账
// 在单个事务里完成, 行锁加 (payer, nonce) 唯一键保证并发重放至多成功一次。
type SQLLedgerRepository struct {
	db     *sql.DB
	domain signing.Domain
}

// NewSQLLedgerRepository 建立连接池并执行迁移。
func NewSQLLedgerRepository(ctx context.Context, cfg Config, domain signing.Domain) (*SQLLedgerRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化账本存储失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行账本迁移失败")
	}
	return &SQLLedgerRepository{db: db, domain: domain}, nil
}

// Domain 返回账本绑定的签名域。
func (r *SQLLedgerRepository) Domain() signing.Domain {
	return r.domain
}

// BalanceOf 查询余额, 不存在的地址余额为 0。
func (r *SQLLedgerRepository) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `SELECT amount FROM balances WHERE address = ?`, addr.Hex()).Scan(&raw)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询余额失败")
	}
	return parseStoredAmount(raw)
}

// Mint 为指定地址增发余额, 供运维发放与本地部署初始化使用。
func (r *SQLLedgerRepository) Mint(ctx context.Context, to common.Address, value *big.Int) error {
	if value == nil || value.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "增发金额必须为正数")
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		balance, err := balanceForUpdate(ctx, tx, to)
		if err != nil {
			return err
		}
		return setBalance(ctx, tx, to, new(big.Int).Add(balance, value))
	})
}

// Transfer 执行持有人自己发起的转账。
func (r *SQLLedgerRepository) Transfer(ctx context.Context, from, to common.Address, value *big.Int) error {
	if value == nil || value.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须为正数")
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return move(ctx, tx, from, to, value)
	})
}

// Approve 设置 spender 的可支配额度。
func (r *SQLLedgerRepository) Approve(ctx context.Context, owner, spender common.Address, value *big.Int) error {
	if value == nil || value.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "额度不能为负数")
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO allowances (owner, spender, amount, updated_at)
        VALUES (?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE amount = VALUES(amount), updated_at = VALUES(updated_at)`,
		owner.Hex(), spender.Hex(), value.String(), time.Now().Unix())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入额度失败")
	}
	return nil
}

// Allowance 查询剩余额度。
func (r *SQLLedgerRepository) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `SELECT amount FROM allowances WHERE owner = ? AND spender = ?`,
		owner.Hex(), spender.Hex()).Scan(&raw)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询额度失败")
	}
	return parseStoredAmount(raw)
}

// TransferFrom 消耗额度代为转账。
func (r *SQLLedgerRepository) TransferFrom(ctx context.Context, spender, from, to common.Address, value *big.Int) error {
	if value == nil || value.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须为正数")
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT amount FROM allowances WHERE owner = ? AND spender = ? FOR UPDATE`,
			from.Hex(), spender.Hex()).Scan(&raw)
		if stdErrors.Is(err, sql.ErrNoRows) {
			return ledger.ErrInsufficientAllowance
		}
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定额度失败")
		}
		allowance, err := parseStoredAmount(raw)
		if err != nil {
			return err
		}
		if allowance.Cmp(value) < 0 {
			return ledger.ErrInsufficientAllowance
		}
		if err := move(ctx, tx, from, to, value); err != nil {
			return err
		}
		remaining := new(big.Int).Sub(allowance, value)
		if _, err := tx.ExecContext(ctx, `UPDATE allowances SET amount = ?, updated_at = ? WHERE owner = ? AND spender = ?`,
			remaining.String(), time.Now().Unix(), from.Hex(), spender.Hex()); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新额度失败")
		}
		return nil
	})
}

// AuthorizedTransfer 执行离线签名的授权转账。检查顺序与参考账本一致:
// 时间窗口, nonce, 签名, 余额。
func (r *SQLLedgerRepository) AuthorizedTransfer(ctx context.Context, auth ledger.Authorization) (ledger.Receipt, error) {
	if err := ledger.CheckWindow(time.Now().Unix(), auth); err != nil {
		return ledger.Receipt{}, err
	}

	var receipt ledger.Receipt
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		used, err := nonceUsedTx(ctx, tx, auth.From, auth.Nonce)
		if err != nil {
			return err
		}
		if used {
			return ledger.ErrNonceReused
		}
		if err := ledger.VerifyTransferSignature(r.domain, auth); err != nil {
			return err
		}
		if err := markNonceTx(ctx, tx, auth.From, auth.Nonce); err != nil {
			return err
		}
		if err := move(ctx, tx, auth.From, auth.To, auth.Value); err != nil {
			return err
		}
		receipt = ledger.Receipt{
			Reference:  uuid.NewString(),
			From:       auth.From,
			To:         auth.To,
			Value:      new(big.Int).Set(auth.Value),
			Nonce:      auth.Nonce,
			ExecutedAt: time.Now().Unix(),
		}
		return nil
	})
	if err != nil {
		return ledger.Receipt{}, err
	}
	return receipt, nil
}

// CancelAuthorization 作废未使用的 nonce。
func (r *SQLLedgerRepository) CancelAuthorization(ctx context.Context, cancel ledger.Cancellation) error {
	if err := ledger.VerifyCancelSignature(r.domain, cancel); err != nil {
		return err
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return markNonceTx(ctx, tx, cancel.Authorizer, cancel.Nonce)
	})
}

// AuthorizationUsed 查询 nonce 是否已被消费或作废。
func (r *SQLLedgerRepository) AuthorizationUsed(ctx context.Context, payer common.Address, nonce [32]byte) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM used_nonces WHERE payer = ? AND nonce = ?`,
		payer.Hex(), encodeNonce(nonce)).Scan(&one)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 nonce 状态失败")
	}
	return true, nil
}

// Close 关闭底层数据库连接。
func (r *SQLLedgerRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *SQLLedgerRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

func move(ctx context.Context, tx *sql.Tx, from, to common.Address, value *big.Int) error {
	balance, err := balanceForUpdate(ctx, tx, from)
	if err != nil {
		return err
	}
	if balance.Cmp(value) < 0 {
		return ledger.ErrInsufficientBalance
	}
	if err := setBalance(ctx, tx, from, new(big.Int).Sub(balance, value)); err != nil {
		return err
	}
	credit, err := balanceForUpdate(ctx, tx, to)
	if err != nil {
		return err
	}
	return setBalance(ctx, tx, to, new(big.Int).Add(credit, value))
}

func balanceForUpdate(ctx context.Context, tx *sql.Tx, addr common.Address) (*big.Int, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT amount FROM balances WHERE address = ? FOR UPDATE`, addr.Hex()).Scan(&raw)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定余额失败")
	}
	return parseStoredAmount(raw)
}

func setBalance(ctx context.Context, tx *sql.Tx, addr common.Address, amount *big.Int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO balances (address, amount, updated_at)
        VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE amount = VALUES(amount), updated_at = VALUES(updated_at)`,
		addr.Hex(), amount.String(), time.Now().Unix())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入余额失败")
	}
	return nil
}

func nonceUsedTx(ctx context.Context, tx *sql.Tx, payer common.Address, nonce [32]byte) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM used_nonces WHERE payer = ? AND nonce = ? FOR UPDATE`,
		payer.Hex(), encodeNonce(nonce)).Scan(&one)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 nonce 状态失败")
	}
	return true, nil
}

func markNonceTx(ctx context.Context, tx *sql.Tx, payer common.Address, nonce [32]byte) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO used_nonces (payer, nonce, consumed_at) VALUES (?, ?, ?)`,
		payer.Hex(), encodeNonce(nonce), time.Now().Unix())
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == duplicateEntry {
			return ledger.ErrNonceReused
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录 nonce 失败")
	}
	return nil
}

func encodeNonce(nonce [32]byte) string {
	return hexutil.Encode(nonce[:])
}

func parseStoredAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "余额字段损坏: "+raw)
	}
	return amount, nil
}
