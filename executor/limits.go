package executor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// resourceLimiter enforces the worker-wide caps from spec.md §4.2: a
// memory ceiling, a CPU quota, and a "no grandchildren" process cap. Wall
// and output caps are enforced per-request by worker.dispatch instead,
// since they are per-execution, not per-worker.
//
// Linux uses a cgroup v2 leaf per worker (the "OS mechanism available");
// on other platforms it degrades to best-effort polling via gopsutil,
// since cgroups have no cross-platform equivalent.
type resourceLimiter struct {
	memBytes int64
	cpuQuota float64 // fraction of one core, e.g. 1.5 = 1.5 cores

	mu        sync.Mutex
	cgroupDir string
}

func newResourceLimiter(memBytes int64, cpuQuota float64) *resourceLimiter {
	return &resourceLimiter{memBytes: memBytes, cpuQuota: cpuQuota}
}

// prepare configures cmd before Start so the worker and any stray
// grandchildren share one killable process group. The concrete
// implementation lives in limits_unix.go / limits_windows.go since
// SysProcAttr is platform-specific.
func (r *resourceLimiter) prepare(cmd *exec.Cmd) {
	setProcessGroup(cmd)
}

// applyPostStart wires the now-running pid into a cgroup (Linux) or
// starts a polling watchdog (other platforms). pid is the worker's own
// pid; spec.md's "max subprocesses from worker = 0" is enforced by the
// cgroup's pids.max when available.
func (r *resourceLimiter) applyPostStart(pid int) {
	if runtime.GOOS != "linux" {
		go r.pollFallback(pid)
		return
	}

	dir, err := setupCgroup(pid, r.memBytes, r.cpuQuota)
	if err != nil {
		// Falls back to polling; a missing cgroup controller (e.g. inside
		// a restricted container) should not prevent the worker from
		// running, only weaken enforcement.
		go r.pollFallback(pid)
		return
	}
	r.mu.Lock()
	r.cgroupDir = dir
	r.mu.Unlock()
}

// pollFallback periodically samples RSS via gopsutil on platforms
// without a cgroup equivalent; callers that need hard enforcement should
// prefer Linux. Returns once the process can no longer be found.
func (r *resourceLimiter) pollFallback(pid int) {
	if r.memBytes <= 0 {
		return
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	for {
		info, err := proc.MemoryInfo()
		if err != nil {
			return
		}
		if int64(info.RSS) > r.memBytes {
			_ = proc.Kill()
			return
		}
		if running, _ := proc.IsRunning(); !running {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (r *resourceLimiter) cleanup() {
	r.mu.Lock()
	dir := r.cgroupDir
	r.cgroupDir = ""
	r.mu.Unlock()
	if dir != "" {
		_ = os.Remove(dir)
	}
}

const cgroupRoot = "/sys/fs/cgroup"

// setupCgroup creates a cgroup v2 leaf under taskforge.slice, writes the
// memory/cpu/pids controllers, and moves pid into it.
func setupCgroup(pid int, memBytes int64, cpuQuota float64) (string, error) {
	base := filepath.Join(cgroupRoot, "taskforge.slice")
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("create cgroup parent: %w", err)
	}
	dir := filepath.Join(base, fmt.Sprintf("worker-%d", pid))
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", fmt.Errorf("create cgroup leaf: %w", err)
	}

	if memBytes > 0 {
		if err := writeCgroupFile(dir, "memory.max", strconv.FormatInt(memBytes, 10)); err != nil {
			return dir, err
		}
	}
	if cpuQuota > 0 {
		// cpu.max is "<quota> <period>" in microseconds; period fixed at 100ms.
		period := 100000
		quota := int(cpuQuota * float64(period))
		if err := writeCgroupFile(dir, "cpu.max", fmt.Sprintf("%d %d", quota, period)); err != nil {
			return dir, err
		}
	}
	// Spec §4.2: "max subprocesses from worker = 0" — the worker process
	// itself occupies the one pid slot; it may not fork.
	if err := writeCgroupFile(dir, "pids.max", "1"); err != nil {
		return dir, err
	}
	if err := writeCgroupFile(dir, "cgroup.procs", strconv.Itoa(pid)); err != nil {
		return dir, err
	}
	return dir, nil
}

func writeCgroupFile(dir, name, value string) error {
	return os.WriteFile(filepath.Join(dir, name), []byte(value), 0o644)
}
