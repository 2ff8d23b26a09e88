package engine_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"mes-unit-tracker/internal/engine"
	"mes-unit-tracker/internal/event"
	"mes-unit-tracker/internal/rules"
	"mes-unit-tracker/internal/store"
	"mes-unit-tracker/internal/types"
)

const testLotCode = "KR01PSA2511"

// setupTracker 组装一个完整的追踪器：临时数据库 + 三道工序的工艺路线
// 工序 2 配置了测量判定规则，工序 3 在转换后执行
func setupTracker(t *testing.T) *engine.Tracker {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("打开数据库失败: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	defs := []types.ProcessDefinition{
		{SeqNo: 1, Code: "SMT", Active: true},
		{SeqNo: 2, Code: "ICT", LimitRule: "m.voltage >= 4.75 && m.voltage <= 5.25", Active: true},
		{SeqNo: 3, Code: "FQC", PostConversion: true, Active: true},
	}
	if err := st.SeedProcessDefinitions(context.Background(), defs); err != nil {
		t.Fatalf("写入工艺路线失败: %v", err)
	}

	ruleEngine, err := rules.NewEngine(3, defs)
	if err != nil {
		t.Fatalf("编译判定规则失败: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return engine.NewTracker(st, ruleEngine, event.NewBus(), logger, nil)
}

func wipRef(id string) types.UnitRef {
	return types.UnitRef{Level: types.LevelWIP, ID: id}
}

func serialRef(id string) types.UnitRef {
	return types.UnitRef{Level: types.LevelSerial, ID: id}
}

// mustIssueWIP 创建批次并发放 qty 个单元
func mustIssueWIP(t *testing.T, tr *engine.Tracker, qty int) []types.WIPItem {
	t.Helper()
	ctx := context.Background()
	if _, err := tr.CreateLot(ctx, testLotCode, 10); err != nil {
		t.Fatalf("创建批次失败: %v", err)
	}
	items, err := tr.GenerateWIPBatch(ctx, testLotCode, qty)
	if err != nil {
		t.Fatalf("发放在制品失败: %v", err)
	}
	if len(items) != qty {
		t.Fatalf("预期发放 %d 个单元, 得到 %d", qty, len(items))
	}
	return items
}

func mustStart(t *testing.T, tr *engine.Tracker, ref types.UnitRef, seq int) {
	t.Helper()
	if _, err := tr.StartProcess(context.Background(), engine.StartRequest{
		Unit: ref, ProcessSeq: seq, OperatorID: "op-1",
	}); err != nil {
		t.Fatalf("开始工序 %d 失败: %v", seq, err)
	}
}

func mustComplete(t *testing.T, tr *engine.Tracker, ref types.UnitRef, seq int, result types.ExecResult, m types.Measurements) types.ExecutionRecord {
	t.Helper()
	rec, err := tr.CompleteProcess(context.Background(), engine.CompleteRequest{
		Unit: ref, ProcessSeq: seq, OperatorID: "op-1", Result: result, Measurements: m,
	})
	if err != nil {
		t.Fatalf("完成工序 %d 失败: %v", seq, err)
	}
	return rec
}

func TestLotIssueBounds(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()

	if _, err := tr.CreateLot(ctx, "SHORT", 10); !rules.IsCode(err, rules.CodeQuantityOutOfRange) {
		t.Errorf("预期批次码长度校验失败, 得到 %v", err)
	}
	if _, err := tr.CreateLot(ctx, testLotCode, 101); !rules.IsCode(err, rules.CodeQuantityOutOfRange) {
		t.Errorf("预期容量越界被拒绝, 得到 %v", err)
	}

	if _, err := tr.CreateLot(ctx, testLotCode, 3); err != nil {
		t.Fatalf("创建批次失败: %v", err)
	}
	if _, err := tr.GenerateWIPBatch(ctx, testLotCode, 4); !rules.IsCode(err, rules.CodeQuantityOutOfRange) {
		t.Errorf("预期超出批次容量被拒绝, 得到 %v", err)
	}
	items, err := tr.GenerateWIPBatch(ctx, testLotCode, 3)
	if err != nil {
		t.Fatalf("发放在制品失败: %v", err)
	}
	if items[0].WIPID != "WIP-KR01PSA2511-001" || items[2].WIPID != "WIP-KR01PSA2511-003" {
		t.Errorf("WIP 标识格式不正确: %s, %s", items[0].WIPID, items[2].WIPID)
	}
	// 批次容量已满
	if _, err := tr.GenerateWIPBatch(ctx, testLotCode, 1); !rules.IsCode(err, rules.CodeQuantityOutOfRange) {
		t.Errorf("预期批次已满被拒绝, 得到 %v", err)
	}
}

func TestProcessOrderingEnforced(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()
	items := mustIssueWIP(t, tr, 1)
	ref := wipRef(items[0].WIPID)

	// 跳过工序 1 直接开始工序 2
	if _, err := tr.StartProcess(ctx, engine.StartRequest{Unit: ref, ProcessSeq: 2, OperatorID: "op-1"}); !rules.IsCode(err, rules.CodeProcessOutOfOrder) {
		t.Errorf("预期乱序启动被拒绝, 得到 %v", err)
	}

	// 未开始就完成
	if _, err := tr.CompleteProcess(ctx, engine.CompleteRequest{
		Unit: ref, ProcessSeq: 1, OperatorID: "op-1", Result: types.ResultPass,
	}); !rules.IsCode(err, rules.CodeNotStarted) {
		t.Errorf("预期未开始的完成被拒绝, 得到 %v", err)
	}

	mustStart(t, tr, ref, 1)
	mustComplete(t, tr, ref, 1, types.ResultPass, nil)

	// 前序通过后工序 2 可以开始
	mustStart(t, tr, ref, 2)
}

func TestFailReworkAndComplete(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()
	items := mustIssueWIP(t, tr, 1)
	ref := wipRef(items[0].WIPID)

	mustStart(t, tr, ref, 1)
	mustComplete(t, tr, ref, 1, types.ResultPass, nil)

	// 工序 2 的合格申报被判定规则降级为不合格
	mustStart(t, tr, ref, 2)
	rec := mustComplete(t, tr, ref, 2, types.ResultPass, types.Measurements{"voltage": 6.3})
	if rec.Result != types.ResultFail {
		t.Fatalf("预期判定规则将结果降级为 fail, 得到 %s", rec.Result)
	}

	view, err := tr.UnitStatus(ctx, ref)
	if err != nil {
		t.Fatalf("查询单元状态失败: %v", err)
	}
	if view.Status != string(types.WIPFailed) {
		t.Fatalf("预期单元状态为 FAILED, 得到 %s", view.Status)
	}

	// 返工重启并以合格结束
	mustStart(t, tr, ref, 2)
	rec = mustComplete(t, tr, ref, 2, types.ResultPass, types.Measurements{"voltage": 5.0})
	if rec.Result != types.ResultPass {
		t.Fatalf("预期结果为 pass, 得到 %s", rec.Result)
	}
	if rec.ReworkCount != 1 {
		t.Errorf("预期返工计数为 1, 得到 %d", rec.ReworkCount)
	}

	view, err = tr.UnitStatus(ctx, ref)
	if err != nil {
		t.Fatalf("查询单元状态失败: %v", err)
	}
	if view.Status != string(types.WIPCompleted) {
		t.Errorf("预期单元状态为 COMPLETED, 得到 %s", view.Status)
	}
	if len(view.CompletedProcesses) != 2 || view.CompletedProcesses[0] != 1 || view.CompletedProcesses[1] != 2 {
		t.Errorf("预期已完成工序 [1 2], 得到 %v", view.CompletedProcesses)
	}
	if view.NextProcess == nil || *view.NextProcess != 3 {
		t.Errorf("预期下一道工序为 3, 得到 %v", view.NextProcess)
	}
	// 台账应有 3 行: 工序1 合格、工序2 不合格、工序2 合格
	if len(view.Records) != 3 {
		t.Errorf("预期 3 条台账记录, 得到 %d", len(view.Records))
	}
}

func TestDuplicatePassRejected(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()
	items := mustIssueWIP(t, tr, 1)
	ref := wipRef(items[0].WIPID)

	mustStart(t, tr, ref, 1)
	mustComplete(t, tr, ref, 1, types.ResultPass, nil)

	mustStart(t, tr, ref, 2)
	if _, err := tr.CompleteProcess(ctx, engine.CompleteRequest{
		Unit: ref, ProcessSeq: 1, OperatorID: "op-1", Result: types.ResultPass,
	}); !rules.IsCode(err, rules.CodeDuplicatePass) {
		t.Errorf("预期重复合格被拒绝, 得到 %v", err)
	}
}

func TestReworkLimitExhausted(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()
	items := mustIssueWIP(t, tr, 1)
	ref := wipRef(items[0].WIPID)

	// 连续失败直至返工次数耗尽: 首次失败 + 3 次返工
	for i := 0; i < 4; i++ {
		mustStart(t, tr, ref, 1)
		mustComplete(t, tr, ref, 1, types.ResultFail, nil)
	}

	if _, err := tr.StartProcess(ctx, engine.StartRequest{Unit: ref, ProcessSeq: 1, OperatorID: "op-1"}); !rules.IsCode(err, rules.CodeReworkLimit) {
		t.Errorf("预期返工超限被拒绝, 得到 %v", err)
	}
}

func TestConversionGateAndImmutability(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()
	items := mustIssueWIP(t, tr, 1)
	ref := wipRef(items[0].WIPID)

	// 工序未完成时转换被拒绝
	if _, err := tr.ConvertToSerial(ctx, items[0].WIPID, ""); !rules.IsCode(err, rules.CodeConversionBlocked) {
		t.Fatalf("预期转换前置条件不满足, 得到 %v", err)
	}

	mustStart(t, tr, ref, 1)
	mustComplete(t, tr, ref, 1, types.ResultPass, nil)
	mustStart(t, tr, ref, 2)
	mustComplete(t, tr, ref, 2, types.ResultPass, types.Measurements{"voltage": 5.0})

	serial, err := tr.ConvertToSerial(ctx, items[0].WIPID, "")
	if err != nil {
		t.Fatalf("转换失败: %v", err)
	}
	if serial.SerialNumber != "SER-KR01PSA2511-001" {
		t.Errorf("预期默认序列号 SER-KR01PSA2511-001, 得到 %s", serial.SerialNumber)
	}

	// 转换恰好一次
	if _, err := tr.ConvertToSerial(ctx, items[0].WIPID, ""); !rules.IsCode(err, rules.CodeUnitConverted) {
		t.Errorf("预期重复转换被拒绝, 得到 %v", err)
	}
	// 转换后的单元不可变
	if _, err := tr.StartProcess(ctx, engine.StartRequest{Unit: ref, ProcessSeq: 1, OperatorID: "op-1"}); !rules.IsCode(err, rules.CodeUnitConverted) {
		t.Errorf("预期已转换单元拒绝工序, 得到 %v", err)
	}

	// 从 WIP 侧查询也能看到已分配的序列号
	view, err := tr.UnitStatus(ctx, ref)
	if err != nil {
		t.Fatalf("查询单元状态失败: %v", err)
	}
	if view.Status != string(types.WIPConverted) {
		t.Errorf("预期单元状态为 CONVERTED, 得到 %s", view.Status)
	}
	if view.SerialNumber != serial.SerialNumber {
		t.Errorf("预期视图携带序列号 %s, 得到 %q", serial.SerialNumber, view.SerialNumber)
	}
}

func TestCompleteRejectedWhileUnitFailed(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()
	items := mustIssueWIP(t, tr, 1)
	ref := wipRef(items[0].WIPID)

	mustStart(t, tr, ref, 1)
	mustComplete(t, tr, ref, 1, types.ResultPass, nil)
	mustStart(t, tr, ref, 2)

	// 工序 2 在制期间重测工序 1 并以不合格结束，单元进入 FAILED
	mustStart(t, tr, ref, 1)
	mustComplete(t, tr, ref, 1, types.ResultFail, nil)

	// FAILED 状态下完成在制的工序 2 是具名的状态违例，而非基础设施错误
	if _, err := tr.CompleteProcess(ctx, engine.CompleteRequest{
		Unit: ref, ProcessSeq: 2, OperatorID: "op-1", Result: types.ResultPass,
		Measurements: types.Measurements{"voltage": 5.0},
	}); !rules.IsCode(err, rules.CodeInvalidStatus) {
		t.Fatalf("预期 INVALID_STATUS 违例, 得到 %v", err)
	}

	// 事务回滚，单元保持 FAILED，合格集不变
	view, err := tr.UnitStatus(ctx, ref)
	if err != nil {
		t.Fatalf("查询单元状态失败: %v", err)
	}
	if view.Status != string(types.WIPFailed) {
		t.Errorf("预期单元状态为 FAILED, 得到 %s", view.Status)
	}
	if len(view.CompletedProcesses) != 1 || view.CompletedProcesses[0] != 1 {
		t.Errorf("预期已完成工序 [1], 得到 %v", view.CompletedProcesses)
	}

	// 返工重启后工序 2 仍然可以正常完成
	mustStart(t, tr, ref, 2)
	mustComplete(t, tr, ref, 2, types.ResultPass, types.Measurements{"voltage": 5.0})
}

func TestSerialLevelExecution(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()
	items := mustIssueWIP(t, tr, 1)
	ref := wipRef(items[0].WIPID)

	mustStart(t, tr, ref, 1)
	mustComplete(t, tr, ref, 1, types.ResultPass, nil)
	mustStart(t, tr, ref, 2)
	mustComplete(t, tr, ref, 2, types.ResultPass, types.Measurements{"voltage": 5.0})

	serial, err := tr.ConvertToSerial(ctx, items[0].WIPID, "")
	if err != nil {
		t.Fatalf("转换失败: %v", err)
	}
	sref := serialRef(serial.SerialNumber)

	// 转换前工序不允许在序列号层执行
	if _, err := tr.StartProcess(ctx, engine.StartRequest{Unit: sref, ProcessSeq: 1, OperatorID: "op-1"}); !rules.IsCode(err, rules.CodeProcessOutOfOrder) {
		t.Errorf("预期转换前工序被拒绝, 得到 %v", err)
	}

	// 转换后工序: 前序 (工序 2) 的合格记录在来源 WIP 单元上
	mustStart(t, tr, sref, 3)
	mustComplete(t, tr, sref, 3, types.ResultPass, nil)

	view, err := tr.UnitStatus(ctx, sref)
	if err != nil {
		t.Fatalf("查询单元状态失败: %v", err)
	}
	if view.Status != string(types.SerialPassed) {
		t.Errorf("预期序列号状态为 PASSED, 得到 %s", view.Status)
	}
	// 两个层级的合格记录合并
	if len(view.CompletedProcesses) != 3 {
		t.Errorf("预期已完成工序 [1 2 3], 得到 %v", view.CompletedProcesses)
	}
	if view.NextProcess != nil {
		t.Errorf("预期全部工序完成, 得到下一道 %v", *view.NextProcess)
	}

	// PASSED 是终态
	if _, err := tr.StartProcess(ctx, engine.StartRequest{Unit: sref, ProcessSeq: 3, OperatorID: "op-1"}); !rules.IsCode(err, rules.CodeInvalidStatus) {
		t.Errorf("预期 PASSED 终态拒绝工序, 得到 %v", err)
	}
}

func TestHeaderSessions(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()
	items := mustIssueWIP(t, tr, 1)
	ref := wipRef(items[0].WIPID)

	header, err := tr.OpenHeader(ctx, "ST-01", "BATCH-A", 1, map[string]interface{}{"temp": 245}, nil)
	if err != nil {
		t.Fatalf("开启执行头失败: %v", err)
	}

	if _, err := tr.OpenHeader(ctx, "ST-01", "BATCH-A", 1, nil, nil); !rules.IsCode(err, rules.CodeHeaderAlreadyOpen) {
		t.Errorf("预期重复开启被拒绝, 得到 %v", err)
	}

	headerID := header.ID
	if _, err := tr.StartProcess(ctx, engine.StartRequest{
		Unit: ref, ProcessSeq: 1, OperatorID: "op-1", HeaderID: &headerID,
	}); err != nil {
		t.Fatalf("关联执行头的开始失败: %v", err)
	}
	mustComplete(t, tr, ref, 1, types.ResultPass, nil)

	got, err := tr.HeaderSummary(ctx, headerID)
	if err != nil {
		t.Fatalf("查询执行头失败: %v", err)
	}
	if got.TotalCount != 1 || got.PassCount != 1 || got.FailCount != 0 {
		t.Errorf("预期计数 total=1 pass=1 fail=0, 得到 %d/%d/%d", got.TotalCount, got.PassCount, got.FailCount)
	}

	closed, err := tr.CloseHeader(ctx, headerID)
	if err != nil {
		t.Fatalf("关闭执行头失败: %v", err)
	}
	if closed.Status != types.HeaderClosed {
		t.Errorf("预期状态 CLOSED, 得到 %s", closed.Status)
	}

	// 关闭后的执行头不可再关联新的开始
	if _, err := tr.StartProcess(ctx, engine.StartRequest{
		Unit: ref, ProcessSeq: 2, OperatorID: "op-1", HeaderID: &headerID,
	}); !rules.IsCode(err, rules.CodeHeaderNotOpen) {
		t.Errorf("预期关闭的执行头被拒绝, 得到 %v", err)
	}
	// 再次关闭被拒绝
	if _, err := tr.CancelHeader(ctx, headerID); !rules.IsCode(err, rules.CodeHeaderNotOpen) {
		t.Errorf("预期重复关闭被拒绝, 得到 %v", err)
	}
}

func TestUnknownUnitAndProcess(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()
	mustIssueWIP(t, tr, 1)

	if _, err := tr.StartProcess(ctx, engine.StartRequest{
		Unit: wipRef("WIP-KR01PSA2511-099"), ProcessSeq: 1, OperatorID: "op-1",
	}); !rules.IsCode(err, rules.CodeUnitNotFound) {
		t.Errorf("预期未知单元被拒绝, 得到 %v", err)
	}
	if _, err := tr.StartProcess(ctx, engine.StartRequest{
		Unit: wipRef("WIP-KR01PSA2511-001"), ProcessSeq: 9, OperatorID: "op-1",
	}); !rules.IsCode(err, rules.CodeProcessNotFound) {
		t.Errorf("预期未知工序被拒绝, 得到 %v", err)
	}
}
