package scheduler

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/agentdeploy/errors"
)

const mb = 1024 * 1024

// memoryStats returns total and available memory in bytes.
type memoryStats func() (total, available uint64, err error)

func virtualMemory() (uint64, uint64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// safeSlotCount recommends a slot count for the available memory, keeping
// a fixed reserve for the host.
func safeSlotCount(availableMB, perSlotMB uint64) int {
	const reserveMB = 1024
	if perSlotMB == 0 || availableMB <= reserveMB {
		return 1
	}
	n := int((availableMB - reserveMB) / perSlotMB)
	if n < 1 {
		return 1
	}
	return n
}

// memoryWarning returns a warning when the configured slots may not fit in
// memory, or "" when they do or memory cannot be read.
func (s *Scheduler) memoryWarning() string {
	total, available, err := s.memStats()
	if err != nil || total == 0 {
		return ""
	}
	recommended := safeSlotCount(available/mb, s.cfg.MemoryPerSlotMB)
	if s.cfg.Workers <= recommended {
		return ""
	}
	return fmt.Sprintf("%d slots exceed the %d recommended for %.1f/%.1fGB available",
		s.cfg.Workers, recommended,
		float64(available)/1024/mb, float64(total)/1024/mb)
}

// underPressure reports whether free memory is below the claim threshold.
func (s *Scheduler) underPressure() bool {
	if s.cfg.MinFreeMemoryMB == 0 {
		return false
	}
	_, available, err := s.memStats()
	if err != nil {
		return false
	}
	return available/mb < s.cfg.MinFreeMemoryMB
}
