package budget

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/money"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录预算额度。扣减与回补通过条件 UPDATE 完成，
// 由数据库保证原子性。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS budgets (
        id VARCHAR(64) PRIMARY KEY,
        agent_id VARCHAR(64) NOT NULL,
        token VARCHAR(32) NOT NULL,
        chain VARCHAR(64) NOT NULL DEFAULT '',
        period VARCHAR(16) NOT NULL,
        amount DECIMAL(65,18) NOT NULL,
        used_amount DECIMAL(65,18) NOT NULL DEFAULT 0,
        period_start BIGINT NOT NULL DEFAULT 0,
        period_end BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_budget_agent (agent_id),
        INDEX idx_budget_period_end (period_end)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 budgets 表失败")
	}
	return nil
}

// Create 插入新的预算记录。
func (s *MySQLStore) Create(ctx context.Context, b *Budget) error {
	if b == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "budget 不能为空")
	}
	if strings.TrimSpace(b.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "预算 ID 不能为空")
	}
	if !IsValidPeriod(b.Period) {
		return xerrors.New(CodeBudgetValidation, "不支持的预算周期")
	}

	now := s.now()
	if b.Period != PeriodTotal && b.PeriodEnd == 0 {
		b.PeriodStart, b.PeriodEnd = periodBounds(b.Period, now)
	}
	b.CreatedAt = now.Unix()
	b.UpdatedAt = now.Unix()

	const stmt = `INSERT INTO budgets
        (id, agent_id, token, chain, period, amount, used_amount, period_start, period_end, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		b.ID, b.AgentID, strings.ToUpper(b.Token), b.Chain, string(b.Period),
		b.Amount.String(), b.Used.String(), b.PeriodStart, b.PeriodEnd,
		b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "Duplicate entry") {
			return ErrBudgetConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入预算失败")
	}
	return nil
}

// Get 返回预算并滚动过期窗口。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Budget, error) {
	b, err := s.selectOne(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Expired(s.now()) {
		if err := s.rolloverRow(ctx, b); err != nil {
			return nil, err
		}
		return s.selectOne(ctx, id)
	}
	return b, nil
}

// ListByAgent 返回智能体名下的全部预算。
func (s *MySQLStore) ListByAgent(ctx context.Context, agentID string) ([]*Budget, error) {
	const stmt = `SELECT id, agent_id, token, chain, period, amount, used_amount,
        period_start, period_end, created_at, updated_at
        FROM budgets WHERE agent_id = ? ORDER BY id`
	rows, err := s.db.QueryContext(ctx, stmt, agentID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询预算失败")
	}
	defer rows.Close()

	var results []*Budget
	for rows.Next() {
		b, scanErr := scanBudget(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		if b.Expired(s.now()) {
			if err := s.rolloverRow(ctx, b); err != nil {
				return nil, err
			}
			refreshed, getErr := s.selectOne(ctx, b.ID)
			if getErr != nil {
				return nil, getErr
			}
			b = refreshed
		}
		results = append(results, b)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历预算失败")
	}
	return results, nil
}

// Deduct 原子扣减额度。条件 UPDATE 保证并发扣减不会把剩余额度打穿。
func (s *MySQLStore) Deduct(ctx context.Context, id string, amount money.Amount) error {
	if err := s.ensureCurrentWindow(ctx, id); err != nil {
		return err
	}
	const stmt = `UPDATE budgets
        SET used_amount = used_amount + ?, updated_at = ?
        WHERE id = ? AND amount - used_amount >= ?`
	result, err := s.db.ExecContext(ctx, stmt, amount.String(), s.now().Unix(), id, amount.String())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扣减预算失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取扣减结果失败")
	}
	if affected == 0 {
		if _, getErr := s.selectOne(ctx, id); getErr != nil {
			return getErr
		}
		return ErrInsufficient
	}
	return nil
}

// Refund 原子回补额度，向下钳制到零。
func (s *MySQLStore) Refund(ctx context.Context, id string, amount money.Amount) error {
	if err := s.ensureCurrentWindow(ctx, id); err != nil {
		return err
	}
	const stmt = `UPDATE budgets
        SET used_amount = GREATEST(used_amount - ?, 0), updated_at = ?
        WHERE id = ?`
	result, err := s.db.ExecContext(ctx, stmt, amount.String(), s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回补预算失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取回补结果失败")
	}
	if affected == 0 {
		if _, getErr := s.selectOne(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// Delete 移除预算。
func (s *MySQLStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM budgets WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除预算失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取删除结果失败")
	}
	if affected == 0 {
		return ErrBudgetNotFound
	}
	return nil
}

// Close 释放数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *MySQLStore) ensureCurrentWindow(ctx context.Context, id string) error {
	b, err := s.selectOne(ctx, id)
	if err != nil {
		return err
	}
	if b.Expired(s.now()) {
		return s.rolloverRow(ctx, b)
	}
	return nil
}

// rolloverRow 用旧的 period_end 做 CAS，保证并发读取只会有一个连接
// 真正完成窗口重置。
func (s *MySQLStore) rolloverRow(ctx context.Context, b *Budget) error {
	start, end := periodBounds(b.Period, s.now())
	const stmt = `UPDATE budgets
        SET used_amount = 0, period_start = ?, period_end = ?, updated_at = ?
        WHERE id = ? AND period_end = ?`
	if _, err := s.db.ExecContext(ctx, stmt, start, end, s.now().Unix(), b.ID, b.PeriodEnd); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "重置预算窗口失败")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *MySQLStore) selectOne(ctx context.Context, id string) (*Budget, error) {
	const stmt = `SELECT id, agent_id, token, chain, period, amount, used_amount,
        period_start, period_end, created_at, updated_at
        FROM budgets WHERE id = ?`
	row := s.db.QueryRowContext(ctx, stmt, id)
	b, err := scanBudget(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrBudgetNotFound
		}
		return nil, err
	}
	return b, nil
}

func scanBudget(row rowScanner) (*Budget, error) {
	var (
		b      Budget
		period string
		amount string
		used   string
	)
	err := row.Scan(&b.ID, &b.AgentID, &b.Token, &b.Chain, &period, &amount, &used,
		&b.PeriodStart, &b.PeriodEnd, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取预算记录失败")
	}
	b.Period = Period(period)
	if b.Amount, err = money.Parse(amount); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析预算金额失败")
	}
	if b.Used, err = money.Parse(used); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析已用金额失败")
	}
	return &b, nil
}

// ensure interface compliance at compile time
var _ Store = (*MySQLStore)(nil)
