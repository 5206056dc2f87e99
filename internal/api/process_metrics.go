package api

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessMetrics снимает метрики клиентского процесса и хост-системы
type ProcessMetrics struct {
	StartTime time.Time
}

// NewProcessMetrics создаёт новый экземпляр метрик
func NewProcessMetrics() *ProcessMetrics {
	return &ProcessMetrics{
		StartTime: time.Now(),
	}
}

// GetUptime возвращает время работы клиента
func (pm *ProcessMetrics) GetUptime() string {
	uptime := time.Since(pm.StartTime)

	days := int(uptime.Hours()) / 24
	hours := int(uptime.Hours()) % 24
	minutes := int(uptime.Minutes()) % 60
	seconds := int(uptime.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dд %dч %dм %dс", days, hours, minutes, seconds)
	} else if hours > 0 {
		return fmt.Sprintf("%dч %dм %dс", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dм %dс", minutes, seconds)
	}
	return fmt.Sprintf("%dс", seconds)
}

// GetMemoryUsage возвращает использование памяти процессом в MB
func (pm *ProcessMetrics) GetMemoryUsage() (float64, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	memoryMB := float64(m.Alloc) / 1024 / 1024
	return memoryMB, nil
}

// GetCPUUsage возвращает использование CPU процессом в процентах
func (pm *ProcessMetrics) GetCPUUsage() (float64, error) {
	pid := int32(os.Getpid())
	proc, err := process.NewProcess(pid)
	if err != nil {
		return 0, err
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		// Если не удалось получить метрику процесса, попробуем системную
		cpuPercents, err := cpu.Percent(100*time.Millisecond, false)
		if err != nil || len(cpuPercents) == 0 {
			return 0, err
		}
		return cpuPercents[0], nil
	}

	return cpuPercent, nil
}

// GetSystemInfo возвращает сведения о хост-системе (ОС, аптайм, память)
func (pm *ProcessMetrics) GetSystemInfo() map[string]interface{} {
	info := make(map[string]interface{})

	if hi, err := host.Info(); err == nil {
		info["os"] = hi.OS
		info["platform"] = hi.Platform
		info["host_uptime_s"] = hi.Uptime
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		info["mem_total_mb"] = float64(vm.Total) / 1024 / 1024
		info["mem_used_percent"] = fmt.Sprintf("%.1f", vm.UsedPercent)
	}

	return info
}

// GetDetailedMemoryStats возвращает детальную статистику памяти
func (pm *ProcessMetrics) GetDetailedMemoryStats() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"alloc_mb":       float64(m.Alloc) / 1024 / 1024,
		"total_alloc_mb": float64(m.TotalAlloc) / 1024 / 1024,
		"sys_mb":         float64(m.Sys) / 1024 / 1024,
		"heap_alloc_mb":  float64(m.HeapAlloc) / 1024 / 1024,
		"heap_sys_mb":    float64(m.HeapSys) / 1024 / 1024,
		"num_gc":         m.NumGC,
		"goroutines":     runtime.NumGoroutine(),
	}
}
