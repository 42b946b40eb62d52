package main

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"tinybox/cgroups"
	"tinybox/container"
	"tinybox/image"
)

// 启动失败（容器从未运行起来）的进程退出码
const exitCodeLaunchFailure = 125

// 容器核心对镜像子系统的全部依赖
type ImageStore interface {
	Lookup(name, tag string) (*image.Image, error)
	Extract(name, tag, targetDir string) error
}

type RunOptions struct {
	Name string
	// cgroup v2 没挂载时不报致命错误，无限制地继续运行
	IgnoreCgroups bool
}

// 一次容器运行的结果。LaunchErr 非空表示容器从未启动，
// 和命令非零退出（ExitCode）是两种失败
type RunResult struct {
	ExitCode    int
	LaunchErr   error
	Diagnostics container.Diagnostics
}

// 启动一个新容器
var runCommand = cli.Command{
	Name:      "run",
	Usage:     "run a command inside a new container",
	ArgsUsage: "<image>[:<tag>] <command> [args...]",
	Action: func(context *cli.Context) error {
		if len(context.Args()) < 2 {
			return fmt.Errorf("missing image or container command")
		}
		ref := context.Args().Get(0)
		var cmdArray []string
		for _, arg := range context.Args().Tail() {
			cmdArray = append(cmdArray, arg)
		}
		res := &cgroups.Resources{
			MemoryBytes: context.Int64("m"),
			CPUQuota:    context.Uint64("cpu-quota"),
			CPUPeriod:   context.Uint64("cpu-period"),
		}
		opts := RunOptions{
			Name:          context.String("name"),
			IgnoreCgroups: context.Bool("ignore-cgroups"),
		}
		// 启动容器
		result := Run(image.NewStore(""), ref, cmdArray, res, opts)
		result.Diagnostics.Log()
		if result.LaunchErr != nil {
			log.Errorf("launch container error %v", result.LaunchErr)
			return cli.NewExitError("launch failed", exitCodeLaunchFailure)
		}
		if result.ExitCode != 0 {
			// 退出码原样透传给调用方
			return cli.NewExitError("", result.ExitCode)
		}
		return nil
	},
	Flags: []cli.Flag{
		cli.Int64Flag{
			Name:  "m",
			Usage: "memory limit in bytes",
		},
		cli.Uint64Flag{
			Name:  "cpu-quota",
			Usage: "cpu quota in microseconds per period",
		},
		cli.Uint64Flag{
			Name:  "cpu-period",
			Usage: "cpu period in microseconds",
			Value: cgroups.DefaultCPUPeriod,
		},
		cli.StringFlag{
			Name:  "name",
			Usage: "container name",
		},
		cli.BoolFlag{
			Name:  "ignore-cgroups",
			Usage: "run unconstrained when the cgroup filesystem is unavailable",
		},
	},
}

// 容器生命周期的总调度：查镜像、搭文件系统、建 cgroup、
// 启动隔离进程、等待退出。清理在任何退出路径上都会执行，
// 顺序和获取相反：先 cgroup，后文件系统
func Run(store ImageStore, ref string, cmdArray []string, res *cgroups.Resources, opts RunOptions) *RunResult {
	result := &RunResult{}
	name, tag := image.ParseReference(ref)
	// 镜像不存在直接失败，这一步之前不产生任何副作用
	if _, err := store.Lookup(name, tag); err != nil {
		result.LaunchErr = fmt.Errorf("lookup image %s:%s error: %w", name, tag, err)
		return result
	}

	c := container.New(newContainerId(), opts.Name, cmdArray)
	stager := container.NewStager(c.RootFS())
	manager := cgroups.NewManager(c.Id)
	defer cleanup(c, stager, manager, result)

	diags, err := stager.Initialize()
	result.Diagnostics = append(result.Diagnostics, diags...)
	if err != nil {
		c.SetState(container.StateFailed)
		result.LaunchErr = err
		return result
	}
	if err := store.Extract(name, tag, stager.Root()); err != nil {
		c.SetState(container.StateFailed)
		result.LaunchErr = fmt.Errorf("extract image %s:%s error: %w", name, tag, err)
		return result
	}
	if err := stager.WriteInitScript(cmdArray); err != nil {
		result.Diagnostics.Add("write init script", err)
	}
	c.SetState(container.StateFilesystemReady)

	cgroupReady := false
	if err := manager.Initialize(); err != nil {
		if errors.Is(err, cgroups.ErrNotMounted) && !opts.IgnoreCgroups {
			c.SetState(container.StateFailed)
			result.LaunchErr = err
			return result
		}
		result.Diagnostics.Add("cgroup init", err)
	} else {
		cgroupReady = true
		applyLimits(manager, res, &result.Diagnostics)
	}
	c.SetState(container.StateLimitsReady)

	c.SetState(container.StateLaunching)
	parent, writePipe, err := container.NewParentProcess(stager.Root())
	if err != nil {
		c.SetState(container.StateFailed)
		result.LaunchErr = err
		return result
	}
	if err := parent.Start(); err != nil {
		c.SetState(container.StateFailed)
		result.LaunchErr = fmt.Errorf("start parent process error: %w", err)
		return result
	}
	spec := &container.InitSpec{
		Argv:     cmdArray,
		Hostname: c.Id,
		Mounts:   stager.VirtualMounts(),
	}
	if err := container.SendInitSpec(spec, writePipe); err != nil {
		// init 进程还堵在管道上，杀掉再回收
		parent.Process.Kill()
		parent.Wait()
		c.SetState(container.StateFailed)
		result.LaunchErr = err
		return result
	}
	c.SetState(container.StateRunning)
	if err := c.Record(parent.Process.Pid); err != nil {
		result.Diagnostics.Add("record container info", err)
	}
	if cgroupReady {
		if err := manager.AddProc(parent.Process.Pid); err != nil {
			result.Diagnostics.Add("cgroup add process", err)
		}
	}

	if err := parent.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if exitErr.ExitCode() == exitCodeInitFailure {
				// init 进程死在切根或 exec 之前，算启动失败
				c.SetState(container.StateFailed)
				result.LaunchErr = fmt.Errorf("container init process failed")
				return result
			}
			c.SetState(container.StateExited)
			result.ExitCode = exitErr.ExitCode()
			return result
		}
		c.SetState(container.StateFailed)
		result.LaunchErr = fmt.Errorf("wait container error: %w", err)
		return result
	}
	c.SetState(container.StateExited)
	return result
}

// 资源限制是尽力而为：主机受限或配置错误时容器照常运行，
// 只是不受限
func applyLimits(manager *cgroups.Manager, res *cgroups.Resources, diags *container.Diagnostics) {
	if res == nil {
		return
	}
	if res.MemoryBytes != 0 {
		if err := manager.SetMemoryLimit(res.MemoryBytes); err != nil {
			diags.Add("set memory limit", err)
		}
	}
	if res.CPUQuota != 0 {
		if err := manager.SetCPUQuota(res.CPUQuota, res.CPUPeriod); err != nil {
			diags.Add("set cpu quota", err)
		}
	}
}

// 拆除顺序和获取相反：先资源组，后文件系统。任何一步失败
// 只记告警，清理必须走完
func cleanup(c *container.Container, stager *container.Stager, manager *cgroups.Manager, result *RunResult) {
	if err := manager.Cleanup(); err != nil {
		result.Diagnostics.Add("cgroup cleanup", err)
	}
	result.Diagnostics = append(result.Diagnostics, stager.Cleanup()...)
	if err := c.RemoveDir(); err != nil {
		result.Diagnostics.Add("remove container dir", err)
	}
	c.SetState(container.StateCleaned)
}

// 生成容器 id，磁盘上还留有同名路径时换一个，保证两次运行
// 派生出的路径不重叠
func newContainerId() string {
	for {
		id := randStringBytes(12)
		if _, err := os.Stat(filepath.Join(container.BaseDir, id)); !os.IsNotExist(err) {
			continue
		}
		if _, err := os.Stat(cgroups.NewManager(id).Path()); !os.IsNotExist(err) {
			continue
		}
		return id
	}
}

// 随机生成 n 位数字字符串
func randStringBytes(n int) string {
	letterBytes := "1234567890"
	b := make([]byte, n)
	for i := range b {
		b[i] = letterBytes[rand.Intn(len(letterBytes))]
	}
	return string(b)
}
