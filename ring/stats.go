package ring

import (
	"time"

	"github.com/scttfrdmn/ringattn/attention"
)

// Stats records the work each device did at each step of a pass. Device r
// only writes column r, so devices fill it concurrently without locking.
type Stats struct {
	Steps   int
	Devices int

	// Work[step][device] counts chunk pairs.
	Work [][]attention.Work

	// Busy[step][device] is the kernel wall time. Zero for Schedule.
	Busy [][]time.Duration
}

func newStats(steps, devices int) *Stats {
	s := &Stats{
		Steps:   steps,
		Devices: devices,
		Work:    make([][]attention.Work, steps),
		Busy:    make([][]time.Duration, steps),
	}
	for t := range s.Work {
		s.Work[t] = make([]attention.Work, devices)
		s.Busy[t] = make([]time.Duration, devices)
	}
	return s
}

// Makespan is the number of chunk pairs on the critical path: devices move in
// lock step, so every step lasts as long as its busiest device.
func (s *Stats) Makespan() int {
	total := 0
	for _, step := range s.Work {
		busiest := 0
		for _, w := range step {
			busiest = max(busiest, w.Computed)
		}
		total += busiest
	}
	return total
}

// TotalWork is the number of chunk pairs computed by all devices.
func (s *Stats) TotalWork() int {
	total := 0
	for _, step := range s.Work {
		for _, w := range step {
			total += w.Computed
		}
	}
	return total
}

// Skipped is the number of chunk pairs skipped by all devices.
func (s *Stats) Skipped() int {
	total := 0
	for _, step := range s.Work {
		for _, w := range step {
			total += w.Skipped
		}
	}
	return total
}

// Imbalance is the fraction of device time spent idle waiting for the
// busiest device: 1 - TotalWork / (Devices * Makespan).
func (s *Stats) Imbalance() float64 {
	m := s.Makespan()
	if m == 0 || s.Devices == 0 {
		return 0
	}
	return 1 - float64(s.TotalWork())/float64(s.Devices*m)
}

// DeviceWork sums the chunk pairs computed by one device over all steps.
func (s *Stats) DeviceWork(device int) int {
	total := 0
	for _, step := range s.Work {
		total += step[device].Computed
	}
	return total
}

// Schedule computes the work plan of a forward pass with equal query and key
// chunks without any numerics.
func Schedule(t AttentionType, devices, seqLen, chunk int, causal bool) (*Stats, error) {
	return ScheduleOptions(t, devices, seqLen, attention.Options{
		QueryChunkSize: chunk,
		KeyChunkSize:   chunk,
		Causal:         causal,
	})
}

// ScheduleOptions is Schedule for arbitrary kernel options. Layout fields of
// opts are overridden.
func ScheduleOptions(t AttentionType, devices, seqLen int, opts attention.Options) (*Stats, error) {
	if err := checkDevices(seqLen, devices); err != nil {
		return nil, err
	}
	block := seqLen / devices
	opts.Striped = t.IsStriped()
	opts.BlockSize = block
	opts.NumBlocks = devices
	if err := opts.Validate(block, block); err != nil {
		return nil, err
	}

	stats := newStats(devices, devices)
	for step := 0; step < devices; step++ {
		for r := 0; r < devices; r++ {
			origin := (r - step + devices) % devices
			stats.Work[step][r] = attention.Plan(block, block, r*block, origin*block, opts)
		}
	}
	return stats, nil
}
