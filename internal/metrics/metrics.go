package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// UnitsInProgress 仪表盘：当前处于 IN_PROGRESS 状态的单元数量
	// 用于监控产线在制水位
	UnitsInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_units_in_progress",
		Help: "The number of units currently executing a process",
	})

	// ProcessCompletionsTotal 计数器：完成的工序尝试总数
	// 按结果 (pass/fail/rework) 和工序代码分类
	ProcessCompletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_process_completions_total",
		Help: "The total number of completed process attempts",
	}, []string{"result", "process"})

	// ConversionsTotal 计数器：在制品转序列号的次数
	ConversionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_conversions_total",
		Help: "The total number of WIP units converted to serials",
	})

	// OpenHeaders 仪表盘：当前处于 OPEN 状态的执行头数量
	OpenHeaders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_open_headers",
		Help: "The number of station/batch sessions currently open",
	})

	// ProcessDuration 直方图：各工序的执行耗时分布
	// 用于分析产线瓶颈工序
	ProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tracker_process_duration_seconds",
		Help:    "Time spent executing each process",
		Buckets: prometheus.DefBuckets,
	}, []string{"process"})
)
