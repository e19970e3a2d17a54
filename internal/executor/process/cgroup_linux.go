//go:build linux

package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sakif/code-executor/internal/executor"
)

// supervisorTasks is pids.max headroom for the supervisor's own threads,
// which share the cgroup with the step.
const supervisorTasks = 16

// cgroup is a per-run cgroup v2 leaf under the configured root.
type cgroup struct {
	path string
}

func createCgroup(root string, limits executor.Limits) (*cgroup, error) {
	path := filepath.Join(root, "run-"+uuid.NewString())
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup: %w", err)
	}
	cg := &cgroup{path: path}

	if limits.Memory > 0 {
		if err := cg.write("memory.max", strconv.FormatInt(limits.Memory, 10)); err != nil {
			cg.remove()
			return nil, err
		}
		// Not every kernel has swap accounting.
		_ = cg.write("memory.swap.max", "0")
	}
	pids := "max"
	if limits.Processes > 0 {
		pids = strconv.FormatInt(limits.Processes+supervisorTasks, 10)
	}
	if err := cg.write("pids.max", pids); err != nil {
		cg.remove()
		return nil, err
	}
	return cg, nil
}

func (c *cgroup) addProcess(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	return c.write("cgroup.procs", strconv.Itoa(pid))
}

// oomKilled reports whether the kernel OOM killer fired inside the cgroup.
func (c *cgroup) oomKilled() bool {
	data, err := os.ReadFile(filepath.Join(c.path, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "oom_kill" {
			n, _ := strconv.ParseInt(fields[1], 10, 64)
			return n > 0
		}
	}
	return false
}

// kill SIGKILLs every process left in the cgroup.
func (c *cgroup) kill() error {
	return c.write("cgroup.kill", "1")
}

// remove deletes the cgroup. rmdir fails with EBUSY until the last member has
// been reaped, so it retries briefly.
func (c *cgroup) remove() error {
	var err error
	for i := 0; i < 20; i++ {
		err = os.Remove(c.path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("remove cgroup %s: %w", c.path, err)
}

func (c *cgroup) write(name, value string) error {
	if err := os.WriteFile(filepath.Join(c.path, name), []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
