package driver

import (
	"bytes"
	"errors"
	"log"
	"sync"
	"time"
)

// 缓冲区配置常量
const (
	RxChannelBufferSize = 1024
)

var ErrNotRunning = errors.New("device not started")

// VirtualCAN 是纯内存的虚拟 CAN 总线，用于开发和测试，不依赖实际硬件。
// 写入会被记录，并按预设规则自动回复。
type VirtualCAN struct {
	mu        sync.Mutex
	rxChan    chan UnifiedCANMessage
	running   bool
	writeLog  []WriteRecord
	responses []VirtualResponse
}

// WriteRecord 记录一次写入操作
type WriteRecord struct {
	ID        uint32
	Data      []byte
	Timestamp time.Time
}

// VirtualResponse 定义预设的自动响应
type VirtualResponse struct {
	TriggerID   uint32
	TriggerData []byte // 数据前缀 (可选)
	ResponseID  uint32
	Response    []byte
	Delay       time.Duration
}

func NewVirtualCAN() *VirtualCAN {
	return &VirtualCAN{
		rxChan: make(chan UnifiedCANMessage, RxChannelBufferSize),
	}
}

func (c *VirtualCAN) Init() error { return nil }

func (c *VirtualCAN) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
}

func (c *VirtualCAN) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.rxChan)
}

func (c *VirtualCAN) Write(id uint32, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotRunning
	}

	c.writeLog = append(c.writeLog, WriteRecord{
		ID:        id,
		Data:      append([]byte{}, data...),
		Timestamp: time.Now(),
	})

	for _, resp := range c.responses {
		if resp.TriggerID != id || !bytes.HasPrefix(data, resp.TriggerData) {
			continue
		}
		go func(r VirtualResponse) {
			time.Sleep(r.Delay)
			if err := c.InjectMessage(r.ResponseID, r.Response); err != nil {
				log.Printf("[virtual] inject 0x%03X: %v", r.ResponseID, err)
			}
		}(resp)
	}
	return nil
}

func (c *VirtualCAN) RxChan() <-chan UnifiedCANMessage { return c.rxChan }


// InjectMessage 向接收通道注入一条消息 (模拟接收)
func (c *VirtualCAN) InjectMessage(id uint32, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotRunning
	}
	select {
	case c.rxChan <- newMessage(id, data, id > maxStandardID):
		return nil
	default:
		return errors.New("virtual rx channel full")
	}
}

// AddResponse 添加一个预设响应
func (c *VirtualCAN) AddResponse(triggerID, responseID uint32, triggerData, response []byte, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, VirtualResponse{
		TriggerID:   triggerID,
		TriggerData: triggerData,
		ResponseID:  responseID,
		Response:    response,
		Delay:       delay,
	})
}

func (c *VirtualCAN) ClearResponses() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = nil
}

// WriteLog 获取写入日志
func (c *VirtualCAN) WriteLog() []WriteRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WriteRecord{}, c.writeLog...)
}
