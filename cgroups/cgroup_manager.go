package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

var (
	// cgroup v2 统一层级的挂载点
	Root = "/sys/fs/cgroup"
	// 没有挂载 cgroup v2，无法做资源限制
	ErrNotMounted = errors.New("cgroup v2 filesystem not mounted")
)

const (
	// 容器的 cgroup 统一放在这个父目录下，避免和宿主机上
	// 其他使用者的 cgroup 冲突
	Scope = "tinybox"
	// CPU 配额的默认周期，微秒
	DefaultCPUPeriod = 100000
)

// 资源限制，零值表示不限制
type Resources struct {
	MemoryBytes int64
	CPUQuota    uint64
	CPUPeriod   uint64
}

// 管理一个容器的 cgroup
type Manager struct {
	Root string
	Id   string
}

func NewManager(id string) *Manager {
	return &Manager{Root: Root, Id: id}
}

// 容器 cgroup 的路径，由容器 id 唯一确定
func (m *Manager) Path() string {
	return filepath.Join(m.Root, Scope, m.Id)
}

func (m *Manager) scopeDir() string {
	return filepath.Join(m.Root, Scope)
}

// 创建容器的 cgroup 目录，并自上而下委派 memory 和 cpu 控制器。
// 控制器必须先在父级的 subtree_control 里启用，叶子里才能使用
func (m *Manager) Initialize() error {
	if _, err := os.Stat(filepath.Join(m.Root, "cgroup.controllers")); err != nil {
		return ErrNotMounted
	}
	if err := os.MkdirAll(m.scopeDir(), 0755); err != nil {
		return fmt.Errorf("mkdir cgroup scope %s error: %w", m.scopeDir(), err)
	}
	if err := m.enableControllers(m.Root); err != nil {
		log.Warnf("enable controllers under %s error %v", m.Root, err)
	}
	if err := m.enableControllers(m.scopeDir()); err != nil {
		log.Warnf("enable controllers under %s error %v", m.scopeDir(), err)
	}
	// 上一次运行的残留先删掉再重建
	if _, err := os.Stat(m.Path()); err == nil {
		if err := removeGroup(m.Path()); err != nil {
			log.Warnf("remove stale cgroup %s error %v", m.Path(), err)
		}
	}
	if err := os.Mkdir(m.Path(), 0755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("mkdir cgroup %s error: %w", m.Path(), err)
	}
	return nil
}

// 读取 dir 下可用的控制器，把和 {memory, cpu} 的交集写进 subtree_control
func (m *Manager) enableControllers(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, "cgroup.controllers"))
	if err != nil {
		return err
	}
	var enable []string
	for _, c := range strings.Fields(string(data)) {
		if c == "memory" || c == "cpu" {
			enable = append(enable, "+"+c)
		}
	}
	if len(enable) == 0 {
		return nil
	}
	control := filepath.Join(dir, "cgroup.subtree_control")
	return os.WriteFile(control, []byte(strings.Join(enable, " ")), 0644)
}

// 写 memory.max，失败由调用方降级处理
func (m *Manager) SetMemoryLimit(bytes int64) error {
	path := filepath.Join(m.Path(), "memory.max")
	if err := os.WriteFile(path, []byte(strconv.FormatInt(bytes, 10)), 0644); err != nil {
		return fmt.Errorf("set memory limit %d error: %w", bytes, err)
	}
	return nil
}

// 写 cpu.max，period 为 0 时取默认周期
func (m *Manager) SetCPUQuota(quota, period uint64) error {
	if period == 0 {
		period = DefaultCPUPeriod
	}
	path := filepath.Join(m.Path(), "cpu.max")
	content := fmt.Sprintf("%d %d", quota, period)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("set cpu quota %s error: %w", content, err)
	}
	return nil
}

// 把进程加入容器的 cgroup
func (m *Manager) AddProc(pid int) error {
	path := filepath.Join(m.Path(), "cgroup.procs")
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("add pid %d to cgroup error: %w", pid, err)
	}
	return nil
}

// 删除容器的 cgroup 目录，对已不存在的路径是空操作
func (m *Manager) Cleanup() error {
	if err := removeGroup(m.Path()); err != nil {
		return fmt.Errorf("remove cgroup %s error: %w", m.Path(), err)
	}
	return nil
}

func removeGroup(path string) error {
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	// cgroupfs 里 rmdir 即可，普通文件系统（测试环境）里目录非空时兜底
	if rerr := os.RemoveAll(path); rerr == nil {
		return nil
	}
	return err
}
