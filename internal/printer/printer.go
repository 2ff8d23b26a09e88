// Package printer 提供标签打印服务的 HTTP 客户端
// 打印服务是转换事件的下游消费方，调用失败不回滚任何业务状态
package printer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"mes-unit-tracker/internal/util"
)

// Label 是发送给打印服务的标签内容
type Label struct {
	SerialNumber string `json:"serial_number"`
	LotCode      string `json:"lot_code"`
	SeqInLot     int    `json:"seq_in_lot"`
}

// printResponse 定义了从打印服务接收的响应体
type printResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Client 通过 HTTP 调用远程打印服务
type Client struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewClient 创建打印服务客户端，endpoint 形如 http://localhost:9090
func NewClient(endpoint string, logger *slog.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger.With("component", "printer", "endpoint", endpoint),
	}
}

// Print 通过 HTTP POST 请求调用打印服务的 /print 端点
func (c *Client) Print(ctx context.Context, label Label) error {
	logger := c.logger
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		logger = logger.With("trace_id", traceID)
	}
	logger.Info("请求打印标签", "serial_number", label.SerialNumber)

	reqBody, _ := json.Marshal(label)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.endpoint+"/print", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("创建打印请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// 将 Trace ID 放入 HTTP Header 中，实现跨服务追踪
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		httpReq.Header.Set(util.TraceHeader, traceID)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		logger.Error("打印服务调用失败", "error", err, "serial_number", label.SerialNumber)
		return fmt.Errorf("打印服务调用失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Error("打印服务返回错误状态", "status", resp.Status, "serial_number", label.SerialNumber)
		return fmt.Errorf("打印服务错误: %s", resp.Status)
	}

	var pResp printResponse
	if err := json.NewDecoder(resp.Body).Decode(&pResp); err != nil {
		return fmt.Errorf("解析打印响应失败: %w", err)
	}
	if !pResp.Success {
		logger.Warn("打印服务拒绝打印", "remote_error", pResp.Error, "serial_number", label.SerialNumber)
		return fmt.Errorf("打印失败: %s", pResp.Error)
	}

	logger.Info("标签打印成功", "serial_number", label.SerialNumber)
	return nil
}
