package container

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	// 所有容器的根目录和元数据都放在这个目录下
	BaseDir = "/var/lib/tinybox/containers"
)

const (
	ConfigName = "instance.json"

	StateCreated         = "created"
	StateFilesystemReady = "filesystem-ready"
	StateLimitsReady     = "limits-ready"
	StateLaunching       = "launching"
	StateRunning         = "running"
	StateExited          = "exited"
	StateFailed          = "failed"
	StateCleaned         = "cleaned"
)

type Container struct {
	Id          string   `json:"id"`
	Name        string   `json:"name"`
	Pid         string   `json:"pid"`
	Command     []string `json:"command"`
	CreatedTime string   `json:"createTime"`
	State       string   `json:"state"`
}

// 一次运行独占一个容器对象，name 为空时用 id 代替
func New(id, name string, command []string) *Container {
	if name == "" {
		name = id
	}
	return &Container{
		Id:          id,
		Name:        name,
		Command:     command,
		CreatedTime: time.Now().Format("2006/1/2 15:04:05"),
		State:       StateCreated,
	}
}

// 容器的工作目录，由 id 唯一确定
func (c *Container) Dir() string {
	return filepath.Join(BaseDir, c.Id)
}

// 容器根文件系统的路径
func (c *Container) RootFS() string {
	return filepath.Join(BaseDir, c.Id, "rootfs")
}

func (c *Container) SetState(state string) {
	c.State = state
}

// 把容器信息落盘，供外部查看
func (c *Container) Record(pid int) error {
	c.Pid = fmt.Sprintf("%d", pid)
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.Dir(), 0755); err != nil {
		return fmt.Errorf("mkdir %s error: %w", c.Dir(), err)
	}
	path := filepath.Join(c.Dir(), ConfigName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s error: %w", path, err)
	}
	return nil
}

// 删除容器的工作目录，id 随之退役
func (c *Container) RemoveDir() error {
	if err := os.RemoveAll(c.Dir()); err != nil {
		return fmt.Errorf("remove dir %s error: %w", c.Dir(), err)
	}
	return nil
}

// 降级告警：某个步骤失败但运行继续
type Warning struct {
	Step string
	Err  error
}

// 各步骤积累的降级告警，随主结果一起返回
type Diagnostics []Warning

func (d *Diagnostics) Add(step string, err error) {
	*d = append(*d, Warning{Step: step, Err: err})
}

func (d Diagnostics) Log() {
	for _, w := range d {
		log.Warnf("%s: %v", w.Step, w.Err)
	}
}
