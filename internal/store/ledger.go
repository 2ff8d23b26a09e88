package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mes-unit-tracker/internal/types"
)

// UnitKey 台账层对单元的内部引用，已解析为数据库主键
// Level 决定 WIPItemID 与 SerialUnitID 中哪一个有效
type UnitKey struct {
	Level        types.UnitLevel
	LotID        int64
	WIPItemID    *int64
	SerialUnitID *int64
}

// WIPKey 构造在制品层级的单元引用
func WIPKey(w types.WIPItem) UnitKey {
	id := w.ID
	return UnitKey{Level: types.LevelWIP, LotID: w.LotID, WIPItemID: &id}
}

// SerialKey 构造序列号层级的单元引用
func SerialKey(u types.SerialUnit) UnitKey {
	id := u.ID
	return UnitKey{Level: types.LevelSerial, LotID: u.LotID, SerialUnitID: &id}
}

func (k UnitKey) column() string {
	if k.Level == types.LevelSerial {
		return "serial_unit_id"
	}
	return "wip_item_id"
}

func (k UnitKey) id() int64 {
	if k.Level == types.LevelSerial && k.SerialUnitID != nil {
		return *k.SerialUnitID
	}
	if k.WIPItemID != nil {
		return *k.WIPItemID
	}
	return 0
}

// StartParams 开始一次工序尝试的入参，前置校验由验证引擎完成
type StartParams struct {
	Unit        UnitKey
	ProcessID   int64
	OperatorID  string
	EquipmentID *string
	HeaderID    *string
	StartedAt   time.Time
	ReworkCount int
}

// CompleteParams 完成一次工序尝试的入参
type CompleteParams struct {
	Unit         UnitKey
	ProcessID    int64
	OperatorID   string
	EquipmentID  *string
	Result       types.ExecResult
	Measurements types.Measurements
	Defects      []types.Defect
	CompletedAt  time.Time
}

// StartProcess 写入或刷新 (单元, 工序) 的在制记录
// 已存在未完成记录时就地更新（刷新开始时间），不产生重复行；
// 不存在时插入 completed_at 为空的新行。并发下由条件唯一索引兜底，
// 冲突映射为 ErrConflict，调用方视为"已在制"。
// 第二个返回值标记本次调用是否为对已有在制记录的幂等刷新。
// 每次调用同时追加一条不可变的审计历史
func StartProcess(ctx context.Context, q Querier, p StartParams) (int64, bool, error) {
	existing, err := IncompleteRecord(ctx, q, p.Unit, p.ProcessID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, false, err
	}
	refreshed := err == nil

	var eq any
	if p.EquipmentID != nil {
		eq = *p.EquipmentID
	}
	var hdr any
	if p.HeaderID != nil {
		hdr = *p.HeaderID
	}

	var recordID int64
	if refreshed {
		// 合法的重启：刷新在制记录，幂等
		if _, uerr := q.ExecContext(ctx,
			`UPDATE process_data
			 SET started_at = ?, operator_id = ?, equipment_id = ?, header_id = ?, rework_count = ?
			 WHERE id = ?`,
			fmtTime(p.StartedAt), p.OperatorID, eq, hdr, p.ReworkCount, existing.ID); uerr != nil {
			return 0, false, fmt.Errorf("refresh inflight record: %w", uerr)
		}
		recordID = existing.ID
	} else {
		res, ierr := q.ExecContext(ctx,
			`INSERT INTO process_data
			 (lot_id, wip_item_id, serial_unit_id, unit_level, process_id, operator_id,
			  equipment_id, header_id, started_at, result, rework_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)`,
			p.Unit.LotID, nullableID(p.Unit.WIPItemID), nullableID(p.Unit.SerialUnitID),
			p.Unit.Level, p.ProcessID, p.OperatorID, eq, hdr, fmtTime(p.StartedAt), p.ReworkCount)
		if ierr != nil {
			return 0, false, mapConstraintErr(ierr)
		}
		recordID, ierr = res.LastInsertId()
		if ierr != nil {
			return 0, false, fmt.Errorf("record insert id: %w", ierr)
		}
	}

	if err := appendHistory(ctx, q, recordID, "start", p.OperatorID, p.EquipmentID,
		types.ResultPending, nil, nil, p.StartedAt); err != nil {
		return 0, false, err
	}
	return recordID, refreshed, nil
}

// CompleteProcess 将在制记录转为完成事实
// 找不到在制记录时返回 ErrNotFound（业务层映射为 NotStarted）。
// 本函数从不插入第二行；若记录关联了执行头，计数器在同一事务内递增，
// 保证计数与台账同时提交或同时放弃
func CompleteProcess(ctx context.Context, q Querier, p CompleteParams) (types.ExecutionRecord, error) {
	rec, err := IncompleteRecord(ctx, q, p.Unit, p.ProcessID)
	if err != nil {
		return types.ExecutionRecord{}, err
	}

	duration := p.CompletedAt.Sub(rec.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	meas, err := marshalJSON(p.Measurements, "{}")
	if err != nil {
		return types.ExecutionRecord{}, err
	}
	defects, err := marshalJSON(p.Defects, "[]")
	if err != nil {
		return types.ExecutionRecord{}, err
	}

	if _, err := q.ExecContext(ctx,
		`UPDATE process_data
		 SET completed_at = ?, duration_ms = ?, result = ?, measurements = ?, defects = ?
		 WHERE id = ?`,
		fmtTime(p.CompletedAt), duration, p.Result, meas, defects, rec.ID); err != nil {
		return types.ExecutionRecord{}, mapConstraintErr(err)
	}

	// 执行头计数器与台账写入同事务提交（替代来源系统的数据库触发器）
	if rec.HeaderID != nil {
		if err := incrementHeaderCounters(ctx, q, *rec.HeaderID, p.Result); err != nil {
			return types.ExecutionRecord{}, err
		}
	}

	if err := appendHistory(ctx, q, rec.ID, "complete", p.OperatorID, p.EquipmentID,
		p.Result, p.Measurements, p.Defects, p.CompletedAt); err != nil {
		return types.ExecutionRecord{}, err
	}

	completedAt := p.CompletedAt.UTC()
	rec.CompletedAt = &completedAt
	rec.DurationMs = &duration
	rec.Result = p.Result
	rec.Measurements = p.Measurements
	rec.Defects = p.Defects
	return rec, nil
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

// appendHistory 追加一条只插入不更新的审计历史
func appendHistory(ctx context.Context, q Querier, recordID int64, phase, operatorID string, equipmentID *string, result types.ExecResult, meas types.Measurements, defects []types.Defect, at time.Time) error {
	var eq any
	if equipmentID != nil {
		eq = *equipmentID
	}
	m, err := marshalJSON(meas, "{}")
	if err != nil {
		return err
	}
	d, err := marshalJSON(defects, "[]")
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO process_history (id, process_data_id, phase, operator_id, equipment_id, result, measurements, defects, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), recordID, phase, operatorID, eq, result, m, d, fmtTime(at)); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

const recordColumns = `id, lot_id, wip_item_id, serial_unit_id, unit_level, process_id, operator_id,
	equipment_id, header_id, started_at, completed_at, duration_ms, result, measurements, defects, rework_count`

// IncompleteRecord 返回 (单元, 工序) 的在制记录，不存在时返回 ErrNotFound
func IncompleteRecord(ctx context.Context, q Querier, unit UnitKey, processID int64) (types.ExecutionRecord, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM process_data
		 WHERE `+unit.column()+` = ? AND process_id = ? AND completed_at IS NULL`,
		unit.id(), processID)
	return scanRecord(row)
}

// PassExists 判断 (单元, 工序) 是否已存在 pass 记录
func PassExists(ctx context.Context, q Querier, unit UnitKey, processID int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM process_data
		 WHERE `+unit.column()+` = ? AND process_id = ? AND result = 'pass'`,
		unit.id(), processID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count pass records: %w", err)
	}
	return n > 0, nil
}

// PassedProcessSeqs 返回单元已通过的工序顺序号（去重，升序）
// 驱动"已完成工序"与"下一道工序"两类派生查询
func PassedProcessSeqs(ctx context.Context, q Querier, unit UnitKey) ([]int, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT DISTINCT d.seq_no
		 FROM process_data p JOIN process_definitions d ON d.id = p.process_id
		 WHERE p.`+unit.column()+` = ? AND p.result = 'pass'
		 ORDER BY d.seq_no`, unit.id())
	if err != nil {
		return nil, fmt.Errorf("select passed seqs: %w", err)
	}
	defer rows.Close()

	var seqs []int
	for rows.Next() {
		var s int
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan seq: %w", err)
		}
		seqs = append(seqs, s)
	}
	return seqs, rows.Err()
}

// RecordsForUnit 返回单元的全部执行记录，按开始时间升序
func RecordsForUnit(ctx context.Context, q Querier, unit UnitKey) ([]types.ExecutionRecord, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM process_data
		 WHERE `+unit.column()+` = ? ORDER BY started_at, id`, unit.id())
	if err != nil {
		return nil, fmt.Errorf("select unit records: %w", err)
	}
	defer rows.Close()

	var recs []types.ExecutionRecord
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CountIncomplete 返回单元当前的在制记录数（不变式检查与测试用）
func CountIncomplete(ctx context.Context, q Querier, unit UnitKey) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM process_data WHERE `+unit.column()+` = ? AND completed_at IS NULL`,
		unit.id()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count incomplete: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row *sql.Row) (types.ExecutionRecord, error) {
	rec, err := scanRecordFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ExecutionRecord{}, ErrNotFound
	}
	return rec, err
}

func scanRecordRows(rows *sql.Rows) (types.ExecutionRecord, error) {
	return scanRecordFrom(rows)
}

func scanRecordFrom(sc rowScanner) (types.ExecutionRecord, error) {
	var (
		rec              types.ExecutionRecord
		wipID, serialID  sql.NullInt64
		eqID, hdrID      sql.NullString
		startedAt        string
		completedAt      sql.NullString
		durationMs       sql.NullInt64
		measStr, defsStr string
	)
	err := sc.Scan(&rec.ID, &rec.LotID, &wipID, &serialID, &rec.Level, &rec.ProcessID, &rec.OperatorID,
		&eqID, &hdrID, &startedAt, &completedAt, &durationMs, &rec.Result, &measStr, &defsStr, &rec.ReworkCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.ExecutionRecord{}, sql.ErrNoRows
		}
		return types.ExecutionRecord{}, fmt.Errorf("scan record: %w", err)
	}
	if wipID.Valid {
		rec.WIPItemID = &wipID.Int64
	}
	if serialID.Valid {
		rec.SerialUnitID = &serialID.Int64
	}
	if eqID.Valid {
		rec.EquipmentID = &eqID.String
	}
	if hdrID.Valid {
		rec.HeaderID = &hdrID.String
	}
	if rec.StartedAt, err = parseTime(startedAt); err != nil {
		return types.ExecutionRecord{}, err
	}
	if rec.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return types.ExecutionRecord{}, err
	}
	if durationMs.Valid {
		rec.DurationMs = &durationMs.Int64
	}
	m, err := unmarshalMap(measStr)
	if err != nil {
		return types.ExecutionRecord{}, err
	}
	if m != nil {
		rec.Measurements = m
	}
	if defsStr != "" && defsStr != "[]" {
		var defects []types.Defect
		if err := jsonUnmarshal(defsStr, &defects); err != nil {
			return types.ExecutionRecord{}, err
		}
		rec.Defects = defects
	}
	return rec, nil
}
