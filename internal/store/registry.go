package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mes-unit-tracker/internal/types"
)

// 注册表操作均以 Querier 为第一参数，事务内传 *sql.Tx，事务外传 Store.DB()

// CreateLot 插入新批次，批次码唯一
func CreateLot(ctx context.Context, q Querier, lotCode string, capacity int, now time.Time) (types.Lot, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO lots (lot_code, status, capacity, created_at) VALUES (?, 'CREATED', ?, ?)`,
		lotCode, capacity, fmtTime(now))
	if err != nil {
		return types.Lot{}, mapConstraintErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.Lot{}, fmt.Errorf("lot insert id: %w", err)
	}
	return types.Lot{ID: id, LotCode: lotCode, Status: types.LotCreated, Capacity: capacity, CreatedAt: now.UTC()}, nil
}

// LotByCode 按批次码查询
func LotByCode(ctx context.Context, q Querier, lotCode string) (types.Lot, error) {
	var (
		l         types.Lot
		createdAt string
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, lot_code, status, capacity, created_at FROM lots WHERE lot_code = ?`, lotCode).
		Scan(&l.ID, &l.LotCode, &l.Status, &l.Capacity, &createdAt)
	if err == sql.ErrNoRows {
		return types.Lot{}, ErrNotFound
	}
	if err != nil {
		return types.Lot{}, fmt.Errorf("select lot %s: %w", lotCode, err)
	}
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return types.Lot{}, err
	}
	return l, nil
}

// LotByID 按主键查询批次
func LotByID(ctx context.Context, q Querier, lotID int64) (types.Lot, error) {
	var (
		l         types.Lot
		createdAt string
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, lot_code, status, capacity, created_at FROM lots WHERE id = ?`, lotID).
		Scan(&l.ID, &l.LotCode, &l.Status, &l.Capacity, &createdAt)
	if err == sql.ErrNoRows {
		return types.Lot{}, ErrNotFound
	}
	if err != nil {
		return types.Lot{}, fmt.Errorf("select lot %d: %w", lotID, err)
	}
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return types.Lot{}, err
	}
	return l, nil
}

// UpdateLotStatus 更新批次状态
func UpdateLotStatus(ctx context.Context, q Querier, lotID int64, status types.LotStatus) error {
	if _, err := q.ExecContext(ctx, `UPDATE lots SET status = ? WHERE id = ?`, status, lotID); err != nil {
		return fmt.Errorf("update lot status: %w", err)
	}
	return nil
}

// CountWIPInLot 返回批次内已发放的 WIP 数量
func CountWIPInLot(ctx context.Context, q Querier, lotID int64) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wip_items WHERE lot_id = ?`, lotID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count wip in lot: %w", err)
	}
	return n, nil
}

// InsertWIPItem 在批次内按顺序号插入一个 WIP 单元
// (lot_id, seq_in_lot) 与 wip_id 的唯一约束共同防止并发重复发放
func InsertWIPItem(ctx context.Context, q Querier, lot types.Lot, seq int, now time.Time) (types.WIPItem, error) {
	wipID := types.FormatWIPID(lot.LotCode, seq)
	ts := fmtTime(now)
	res, err := q.ExecContext(ctx,
		`INSERT INTO wip_items (wip_id, lot_id, seq_in_lot, status, created_at, updated_at)
		 VALUES (?, ?, ?, 'CREATED', ?, ?)`,
		wipID, lot.ID, seq, ts, ts)
	if err != nil {
		return types.WIPItem{}, mapConstraintErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.WIPItem{}, fmt.Errorf("wip insert id: %w", err)
	}
	return types.WIPItem{
		ID: id, WIPID: wipID, LotID: lot.ID, SeqInLot: seq,
		Status: types.WIPCreated, CreatedAt: now.UTC(), UpdatedAt: now.UTC(),
	}, nil
}

// WIPByID 按 WIP 标识查询在制品单元
func WIPByID(ctx context.Context, q Querier, wipID string) (types.WIPItem, error) {
	var (
		w                    types.WIPItem
		curProc, serialID    sql.NullInt64
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, wip_id, lot_id, seq_in_lot, status, current_process_id, serial_unit_id,
		        rework_count, created_at, updated_at
		 FROM wip_items WHERE wip_id = ?`, wipID).
		Scan(&w.ID, &w.WIPID, &w.LotID, &w.SeqInLot, &w.Status, &curProc, &serialID,
			&w.ReworkCount, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return types.WIPItem{}, ErrNotFound
	}
	if err != nil {
		return types.WIPItem{}, fmt.Errorf("select wip %s: %w", wipID, err)
	}
	if curProc.Valid {
		w.CurrentProcessID = &curProc.Int64
	}
	if serialID.Valid {
		w.SerialUnitID = &serialID.Int64
	}
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return types.WIPItem{}, err
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return types.WIPItem{}, err
	}
	return w, nil
}

// UpdateWIPState 更新在制品的状态、当前工序与返工计数
// 状态转移的合法性由调用方先行检查，这里只负责落库
func UpdateWIPState(ctx context.Context, q Querier, wipItemID int64, status types.WIPStatus, currentProcessID *int64, reworkCount int, now time.Time) error {
	var cur any
	if currentProcessID != nil {
		cur = *currentProcessID
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE wip_items SET status = ?, current_process_id = ?, rework_count = ?, updated_at = ? WHERE id = ?`,
		status, cur, reworkCount, fmtTime(now), wipItemID); err != nil {
		return fmt.Errorf("update wip state: %w", err)
	}
	return nil
}

// ConvertWIP 在同一事务内创建序列号单元并将在制品置为 CONVERTED
// serial_units.wip_item_id 的唯一约束保证转换恰好发生一次
func ConvertWIP(ctx context.Context, q Querier, wip types.WIPItem, serialNumber string, now time.Time) (types.SerialUnit, error) {
	ts := fmtTime(now)
	res, err := q.ExecContext(ctx,
		`INSERT INTO serial_units (serial_number, lot_id, seq_in_lot, status, wip_item_id, created_at, updated_at)
		 VALUES (?, ?, ?, 'CREATED', ?, ?, ?)`,
		serialNumber, wip.LotID, wip.SeqInLot, wip.ID, ts, ts)
	if err != nil {
		return types.SerialUnit{}, mapConstraintErr(err)
	}
	serialID, err := res.LastInsertId()
	if err != nil {
		return types.SerialUnit{}, fmt.Errorf("serial insert id: %w", err)
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE wip_items SET status = 'CONVERTED', serial_unit_id = ?, current_process_id = NULL, updated_at = ? WHERE id = ?`,
		serialID, ts, wip.ID); err != nil {
		return types.SerialUnit{}, fmt.Errorf("mark wip converted: %w", err)
	}
	return types.SerialUnit{
		ID: serialID, SerialNumber: serialNumber, LotID: wip.LotID, SeqInLot: wip.SeqInLot,
		Status: types.SerialCreated, WIPItemID: wip.ID, CreatedAt: now.UTC(), UpdatedAt: now.UTC(),
	}, nil
}

// SerialByNumber 按序列号查询单元
func SerialByNumber(ctx context.Context, q Querier, serialNumber string) (types.SerialUnit, error) {
	var (
		u                    types.SerialUnit
		reason               sql.NullString
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, serial_number, lot_id, seq_in_lot, status, rework_count, failure_reason,
		        wip_item_id, created_at, updated_at
		 FROM serial_units WHERE serial_number = ?`, serialNumber).
		Scan(&u.ID, &u.SerialNumber, &u.LotID, &u.SeqInLot, &u.Status, &u.ReworkCount, &reason,
			&u.WIPItemID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return types.SerialUnit{}, ErrNotFound
	}
	if err != nil {
		return types.SerialUnit{}, fmt.Errorf("select serial %s: %w", serialNumber, err)
	}
	if reason.Valid {
		u.FailureReason = &reason.String
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return types.SerialUnit{}, err
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return types.SerialUnit{}, err
	}
	return u, nil
}

// SerialByID 按主键查询序列号单元
// 在制品侧的状态视图通过 serial_unit_id 解析转换后的序列号
func SerialByID(ctx context.Context, q Querier, serialID int64) (types.SerialUnit, error) {
	var (
		u                    types.SerialUnit
		reason               sql.NullString
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, serial_number, lot_id, seq_in_lot, status, rework_count, failure_reason,
		        wip_item_id, created_at, updated_at
		 FROM serial_units WHERE id = ?`, serialID).
		Scan(&u.ID, &u.SerialNumber, &u.LotID, &u.SeqInLot, &u.Status, &u.ReworkCount, &reason,
			&u.WIPItemID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return types.SerialUnit{}, ErrNotFound
	}
	if err != nil {
		return types.SerialUnit{}, fmt.Errorf("select serial %d: %w", serialID, err)
	}
	if reason.Valid {
		u.FailureReason = &reason.String
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return types.SerialUnit{}, err
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return types.SerialUnit{}, err
	}
	return u, nil
}

// UpdateSerialState 更新序列号单元的状态、返工计数与失败原因
// 失败原因仅在状态为 FAILED 时写入，其余状态清空
func UpdateSerialState(ctx context.Context, q Querier, serialID int64, status types.SerialStatus, reworkCount int, failureReason *string, now time.Time) error {
	var reason any
	if status == types.SerialFailed && failureReason != nil {
		reason = *failureReason
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE serial_units SET status = ?, rework_count = ?, failure_reason = ?, updated_at = ? WHERE id = ?`,
		status, reworkCount, reason, fmtTime(now), serialID); err != nil {
		return fmt.Errorf("update serial state: %w", err)
	}
	return nil
}
