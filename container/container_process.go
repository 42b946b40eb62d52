package container

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// 通过管道传给容器 init 进程的初始化序列
type InitSpec struct {
	Argv     []string      `json:"argv"`
	Hostname string        `json:"hostname"`
	Mounts   []MountRecord `json:"mounts"`
}

// 创建容器父进程：重新执行自身的 init 子命令，克隆出新的
// UTS、PID 和 mount namespace
func NewParentProcess(rootfs string) (*exec.Cmd, *os.File, error) {
	readPipe, writePipe, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("new pipe error: %w", err)
	}
	cmd := exec.Command("/proc/self/exe", "init")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWUTS | unix.CLONE_NEWPID | unix.CLONE_NEWNS,
		// 父进程退出时内核杀掉容器进程，不留孤儿 namespace
		Pdeathsig: unix.SIGKILL,
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// 管道读取端通过 fd 3 传给子进程
	cmd.ExtraFiles = []*os.File{readPipe}
	cmd.Dir = rootfs
	return cmd, writePipe, nil
}

// 把 InitSpec 写入管道并关闭写端
func SendInitSpec(spec *InitSpec, writePipe *os.File) error {
	defer writePipe.Close()
	if err := json.NewEncoder(writePipe).Encode(spec); err != nil {
		return fmt.Errorf("send init spec error: %w", err)
	}
	return nil
}
