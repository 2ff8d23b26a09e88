package handlers_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"mes-unit-tracker/internal/event"
	"mes-unit-tracker/internal/handlers"
	"mes-unit-tracker/internal/metrics"
	"mes-unit-tracker/internal/types"
	"mes-unit-tracker/internal/web"
)

// waitForGauge 轮询等待在制水位达到期望值，事件总线是异步投递的
func waitForGauge(t *testing.T, want float64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(metrics.UnitsInProgress) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("在制水位未达到 %v, 当前 %v", want, testutil.ToFloat64(metrics.UnitsInProgress))
}

// 幂等刷新的开始事件不抬高在制水位，完成后水位回落到基线
func TestUnitsInProgressIgnoresRefreshStarts(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := event.NewBus()
	hub := web.NewHub()
	go hub.Run()
	st := web.NewStateTracker(hub)
	handlers.RegisterEventHandlers(bus, st, logger)

	base := testutil.ToFloat64(metrics.UnitsInProgress)

	bus.Publish(event.Event{Type: event.ProcessStarted, UnitID: "WIP-KR01PSA2511-001",
		Level: types.LevelWIP, LotCode: "KR01PSA2511", ProcessSeq: 1, ProcessCode: "SMT",
		Status: "IN_PROGRESS"})
	waitForGauge(t, base+1)

	// 对同一在制记录的重复开始只是刷新，水位保持不变
	bus.Publish(event.Event{Type: event.ProcessStarted, UnitID: "WIP-KR01PSA2511-001",
		Level: types.LevelWIP, LotCode: "KR01PSA2511", ProcessSeq: 1, ProcessCode: "SMT",
		Status: "IN_PROGRESS", Refresh: true})
	time.Sleep(50 * time.Millisecond)
	waitForGauge(t, base+1)

	bus.Publish(event.Event{Type: event.ProcessCompleted, UnitID: "WIP-KR01PSA2511-001",
		Level: types.LevelWIP, LotCode: "KR01PSA2511", ProcessSeq: 1, ProcessCode: "SMT",
		Result: types.ResultPass})
	waitForGauge(t, base)
}
