package handlers

import (
	"log/slog"

	"mes-unit-tracker/internal/event"
	"mes-unit-tracker/internal/metrics"
	"mes-unit-tracker/internal/types"
	"mes-unit-tracker/internal/web"
)

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 这是事件驱动架构的核心，将不同的业务关注点（监控、看板、日志）解耦
func RegisterEventHandlers(bus *event.Bus, st *web.StateTracker, logger *slog.Logger) {
	// --- 指标处理器 (Metrics Handler) ---
	// 订阅工序开始事件，增加在制水位
	// 幂等刷新不新增在制记录，跳过计数，保证水位与完成事件一增一减对齐
	bus.Subscribe(event.ProcessStarted, func(e event.Event) {
		if !e.Refresh {
			metrics.UnitsInProgress.Inc()
		}
	})
	// 订阅工序完成事件，按结果分类计数并记录耗时分布
	bus.Subscribe(event.ProcessCompleted, func(e event.Event) {
		metrics.UnitsInProgress.Dec()
		metrics.ProcessCompletionsTotal.WithLabelValues(string(e.Result), e.ProcessCode).Inc()
		metrics.ProcessDuration.WithLabelValues(e.ProcessCode).Observe(e.DurationSec)
	})
	// 订阅转换事件，增加转换计数器
	bus.Subscribe(event.UnitConverted, func(e event.Event) {
		metrics.ConversionsTotal.Inc()
	})
	// 订阅执行头事件，维护当前 OPEN 会话数量
	bus.Subscribe(event.HeaderOpened, func(e event.Event) {
		metrics.OpenHeaders.Inc()
	})
	bus.Subscribe(event.HeaderClosed, func(e event.Event) {
		metrics.OpenHeaders.Dec()
	})

	// --- 看板处理器 (Web UI Handler) ---
	// 订阅发放事件，将新单元登记到看板
	bus.Subscribe(event.WIPGenerated, func(e event.Event) {
		st.AddUnit(e.UnitID, e.Level, e.LotCode, e.Status)
	})
	// 订阅工序开始事件，更新看板中单元的位置与状态
	bus.Subscribe(event.ProcessStarted, func(e event.Event) {
		st.UpdateUnitState(e.UnitID, e.ProcessSeq, e.ProcessCode, e.Status)
	})
	// 订阅工序完成事件，更新看板状态
	bus.Subscribe(event.ProcessCompleted, func(e event.Event) {
		st.UpdateUnitState(e.UnitID, e.ProcessSeq, e.ProcessCode, string(e.Result))
	})
	// 订阅单元完成/失败事件，刷新终态
	bus.Subscribe(event.UnitCompleted, func(e event.Event) {
		st.UpdateUnitState(e.UnitID, 0, "", e.Status)
	})
	bus.Subscribe(event.UnitFailed, func(e event.Event) {
		st.UpdateUnitState(e.UnitID, 0, "", e.Status)
	})
	// 订阅转换事件，在看板上用序列号替换原 WIP 标识
	bus.Subscribe(event.UnitConverted, func(e event.Event) {
		st.RenameUnit(e.UnitID, e.SerialNumber, types.LevelSerial, string(types.SerialCreated))
	})

	// --- 日志处理器 (Logging Handler) ---
	// 订阅关键业务事件，记录审计日志
	bus.Subscribe(event.UnitFailed, func(e event.Event) {
		logger.Error("单元执行失败", "unit_id", e.UnitID, "lot_code", e.LotCode, "error", e.Err)
	})
	bus.Subscribe(event.UnitCompleted, func(e event.Event) {
		logger.Info("单元全部工序通过", "unit_id", e.UnitID, "lot_code", e.LotCode)
	})
	bus.Subscribe(event.UnitConverted, func(e event.Event) {
		logger.Info("单元转换完成", "wip_id", e.UnitID, "serial_number", e.SerialNumber)
	})
}
