package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"mes-unit-tracker/internal/types"
)

// SeedProcessDefinitions 将配置中的工艺路线写入参考表
// 幂等：已存在的激活定义按顺序号比对，代码或规则变化时旧定义置为非激活并插入新定义
func (s *Store) SeedProcessDefinitions(ctx context.Context, defs []types.ProcessDefinition) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, def := range defs {
			existing, err := ProcessBySeq(ctx, tx, def.SeqNo)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if err == nil {
				if existing.Code == def.Code && existing.LimitRule == def.LimitRule &&
					existing.PostConversion == def.PostConversion {
					continue // 未变化
				}
				// 定义变化时旧行置为非激活，保留历史引用
				if _, err := tx.ExecContext(ctx,
					`UPDATE process_definitions SET active = 0 WHERE id = ?`, existing.ID); err != nil {
					return fmt.Errorf("deactivate process %d: %w", def.SeqNo, err)
				}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO process_definitions (seq_no, code, post_conversion, limit_rule, active)
				 VALUES (?, ?, ?, ?, 1)`,
				def.SeqNo, def.Code, def.PostConversion, def.LimitRule); err != nil {
				return mapConstraintErr(err)
			}
		}
		return nil
	})
}

// ActiveProcesses 返回激活的工序定义，按顺序号升序
func ActiveProcesses(ctx context.Context, q Querier) ([]types.ProcessDefinition, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, seq_no, code, post_conversion, limit_rule, active
		 FROM process_definitions WHERE active = 1 ORDER BY seq_no`)
	if err != nil {
		return nil, fmt.Errorf("select processes: %w", err)
	}
	defer rows.Close()

	var defs []types.ProcessDefinition
	for rows.Next() {
		var d types.ProcessDefinition
		if err := rows.Scan(&d.ID, &d.SeqNo, &d.Code, &d.PostConversion, &d.LimitRule, &d.Active); err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// ProcessBySeq 按顺序号查询激活的工序定义
func ProcessBySeq(ctx context.Context, q Querier, seqNo int) (types.ProcessDefinition, error) {
	var d types.ProcessDefinition
	err := q.QueryRowContext(ctx,
		`SELECT id, seq_no, code, post_conversion, limit_rule, active
		 FROM process_definitions WHERE seq_no = ? AND active = 1`, seqNo).
		Scan(&d.ID, &d.SeqNo, &d.Code, &d.PostConversion, &d.LimitRule, &d.Active)
	if err == sql.ErrNoRows {
		return types.ProcessDefinition{}, ErrNotFound
	}
	if err != nil {
		return types.ProcessDefinition{}, fmt.Errorf("select process %d: %w", seqNo, err)
	}
	return d, nil
}
