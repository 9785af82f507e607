package detector

import (
	"sync"

	"iot-telemetry/internal/models"
)

// HistoryCapacity 每台设备保留的读数上限
const HistoryCapacity = 100

// deviceHistory 单设备读数窗口，按到达顺序，超出容量丢弃最旧
type deviceHistory struct {
	mu       sync.Mutex
	readings []models.Reading
}

// historyArena 设备ID -> 历史窗口
// 外层锁只保护 map，每台设备有独立的锁，不同设备互不阻塞
type historyArena struct {
	mu       sync.RWMutex
	devices  map[string]*deviceHistory
	capacity int
}

func newHistoryArena(capacity int) *historyArena {
	return &historyArena{
		devices:  make(map[string]*deviceHistory),
		capacity: capacity,
	}
}

func (a *historyArena) get(deviceID string) *deviceHistory {
	a.mu.RLock()
	h, ok := a.devices[deviceID]
	a.mu.RUnlock()
	if ok {
		return h
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok = a.devices[deviceID]; !ok {
		h = &deviceHistory{}
		a.devices[deviceID] = h
	}
	return h
}

// Append 先追加再裁剪，返回追加后窗口的快照
func (a *historyArena) Append(r models.Reading) []models.Reading {
	h := a.get(r.DeviceID)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.readings = append(h.readings, r)
	if over := len(h.readings) - a.capacity; over > 0 {
		// 复制到新切片，避免底层数组无限增长
		trimmed := make([]models.Reading, a.capacity, a.capacity+1)
		copy(trimmed, h.readings[over:])
		h.readings = trimmed
	}

	snapshot := make([]models.Reading, len(h.readings))
	copy(snapshot, h.readings)
	return snapshot
}

// Len 设备当前窗口长度
func (a *historyArena) Len(deviceID string) int {
	a.mu.RLock()
	h, ok := a.devices[deviceID]
	a.mu.RUnlock()
	if !ok {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.readings)
}

// Devices 已跟踪的设备数
func (a *historyArena) Devices() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.devices)
}
