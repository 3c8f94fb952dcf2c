package ffmpeg

import (
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"workshop/config"
)

// ResourceChecker decides whether the host can take another encode.
type ResourceChecker interface {
	Check(dir string) error
}

// HostResources samples the local machine with gopsutil.
type HostResources struct {
	Limits config.ThrottleSettings
	Logger *logrus.Logger
	// Sample is how long CPU usage is measured.
	Sample time.Duration
}

// Check verifies idle CPU, available memory and free disk on dir against
// the limits. Metrics that cannot be read are logged and skipped.
func (h HostResources) Check(dir string) error {
	log := h.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	if h.Limits.CPU > 0 {
		sample := h.Sample
		if sample <= 0 {
			sample = time.Second
		}
		p, err := cpu.Percent(sample, false)
		if err != nil {
			log.Warnf("could not get CPU usage: %v", err)
		} else if len(p) > 0 && p[0] > 100.0-h.Limits.CPU {
			return fmt.Errorf("not enough idle CPU: usage %.2f%%, idle threshold %.2f%%", p[0], h.Limits.CPU)
		}
	}

	if h.Limits.FreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			log.Warnf("could not get memory usage: %v", err)
		} else if vm.Available < uint64(h.Limits.FreeMem) {
			return fmt.Errorf("not enough free memory: available %s, required %s",
				datasize.ByteSize(vm.Available).HR(), datasize.ByteSize(h.Limits.FreeMem).HR())
		}
	}

	if h.Limits.FreeDisk > 0 && dir != "" {
		d, err := disk.Usage(dir)
		if err != nil {
			log.Warnf("could not get disk usage for %s: %v", dir, err)
		} else if d.Free < uint64(h.Limits.FreeDisk) {
			return fmt.Errorf("not enough free disk space in %s: available %s, required %s",
				dir, datasize.ByteSize(d.Free).HR(), datasize.ByteSize(h.Limits.FreeDisk).HR())
		}
	}
	return nil
}
