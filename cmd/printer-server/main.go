package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// Label 定义了打印服务接收的请求体
type Label struct {
	SerialNumber string `json:"serial_number"`
	LotCode      string `json:"lot_code"`
	SeqInLot     int    `json:"seq_in_lot"`
}

// Response 定义了打印服务返回的响应体
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// main 是标签打印服务的入口
// 模拟一台网络标签打印机：接收序列号标签并打印
func main() {
	port := os.Getenv("PRINTER_ADDR")
	if port == "" {
		port = ":9090"
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "label-printer")
	slog.SetDefault(logger)

	logger.Info("=== 标签打印服务启动 ===", "port", port)

	http.HandleFunc("/print", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var label Label
		if err := json.NewDecoder(r.Body).Decode(&label); err != nil {
			logger.Warn("解析请求失败", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// 从 HTTP Header 中提取 Trace ID，用于链路追踪
		traceID := r.Header.Get("X-Trace-ID")
		jobLogger := logger.With("serial_number", label.SerialNumber, "lot_code", label.LotCode)
		if traceID != "" {
			jobLogger = jobLogger.With("trace_id", traceID)
		}

		jobLogger.Info("接收到打印任务")

		resp := Response{Success: true}
		if label.SerialNumber == "" {
			resp = Response{Success: false, Error: "序列号为空，拒绝打印"}
			jobLogger.Warn("打印失败", "error", resp.Error)
		} else {
			// 模拟打印耗时
			time.Sleep(200 * time.Millisecond)
			jobLogger.Info("标签打印完成")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	if err := http.ListenAndServe(port, nil); err != nil {
		logger.Error("服务启动失败", "error", err)
	}
}
