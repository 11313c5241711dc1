package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
)

// GopsutilSampler снимает CPU/память/диск хоста и heap процесса
type GopsutilSampler struct {
	startedAt time.Time
	diskPath  string
}

func NewGopsutilSampler(diskPath string) *GopsutilSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &GopsutilSampler{startedAt: time.Now(), diskPath: diskPath}
}

func (s *GopsutilSampler) Sample(ctx context.Context) (domain.SystemSample, error) {
	sample := domain.SystemSample{
		Timestamp:     time.Now(),
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
	}

	// Интервал 0: процент считается относительно предыдущего вызова, тик не блокируется
	percentages, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return sample, err
	}
	if len(percentages) > 0 {
		sample.CPU.Usage = percentages[0]
	}
	sample.CPU.Cores, _ = cpu.CountsWithContext(ctx, true)

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return sample, err
	}
	sample.Memory.Usage = vm.UsedPercent
	sample.Memory.TotalMB = float64(vm.Total) / 1024 / 1024

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	sample.Memory.HeapAllocMB = float64(ms.HeapAlloc) / 1024 / 1024

	// Диск не критичен: в контейнере раздела может не быть
	if usage, err := disk.UsageWithContext(ctx, s.diskPath); err == nil {
		sample.Disk.Usage = usage.UsedPercent
	}

	return sample, nil
}

// StaticSampler всегда отдаёт заданный сэмпл (локальный запуск и тесты)
type StaticSampler struct {
	Value domain.SystemSample
}

func (s *StaticSampler) Sample(context.Context) (domain.SystemSample, error) {
	v := s.Value
	v.Timestamp = time.Now()
	return v, nil
}
