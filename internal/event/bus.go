package event

import (
	"sync"

	"mes-unit-tracker/internal/types"
)

// EventType 定义事件的类型
type EventType string

// 定义所有业务事件类型
const (
	LotCreated       EventType = "LotCreated"       // 批次创建
	WIPGenerated     EventType = "WIPGenerated"     // 批次发放在制品单元
	ProcessStarted   EventType = "ProcessStarted"   // 工序开始执行
	ProcessCompleted EventType = "ProcessCompleted" // 工序执行完成（含合格与不合格）
	UnitFailed       EventType = "UnitFailed"       // 单元进入 FAILED 状态
	UnitCompleted    EventType = "UnitCompleted"    // 单元全部必经工序通过
	UnitConverted    EventType = "UnitConverted"    // 在制品转为正式序列号
	HeaderOpened     EventType = "HeaderOpened"     // 工站批次会话开启
	HeaderClosed     EventType = "HeaderClosed"     // 工站批次会话关闭或取消
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Type         EventType        // 事件类型
	UnitID       string           // 单元外部标识 (WIP ID 或序列号)
	Level        types.UnitLevel  // 单元层级
	LotCode      string           // 所属批次码
	ProcessSeq   int              // 关联的工序顺序号 (仅工序相关事件)
	ProcessCode  string           // 工序代码
	Result       types.ExecResult // 执行结果 (仅完成事件)
	DurationSec  float64          // 工序耗时 (仅完成事件)
	HeaderID     string           // 关联的执行头 (仅执行头事件)
	SerialNumber string           // 新序列号 (仅转换事件)
	Status       string           // 单元落库后的状态
	Refresh      bool             // 开始事件是否为对已有在制记录的幂等刷新
	Count        int              // 批量事件的数量 (WIPGenerated)
	Err          error            // 错误信息 (仅失败事件)
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler // 存储事件类型到多个处理函数的映射
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if handlers, ok := b.handlers[e.Type]; ok {
		// 遍历所有处理器并异步执行
		// 使用 goroutine 避免单个处理器的阻塞影响其他处理器
		for _, handler := range handlers {
			go handler(e)
		}
	}
}
