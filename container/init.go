package container

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// 容器里的第一个进程：切换根文件系统，挂载虚拟文件系统，
// 然后 exec 用户命令。切根和 exec 失败是致命的，单个虚拟
// 文件系统挂不上只降级告警
func RunContainerInitProcess() error {
	spec, err := readInitSpec()
	if err != nil {
		return err
	}
	if len(spec.Argv) == 0 {
		return fmt.Errorf("init spec has no command")
	}
	if err := setUpRoot(); err != nil {
		return err
	}
	for _, m := range spec.Mounts {
		if err := os.MkdirAll(m.Target, 0755); err != nil {
			log.Warnf("mkdir %s error %v", m.Target, err)
		}
		if err := unix.Mount(m.Source, m.Target, m.FSType, m.Flags, m.Data); err != nil {
			log.Warnf("mount %s on %s error %v", m.FSType, m.Target, err)
		}
	}
	if spec.Hostname != "" {
		if err := unix.Sethostname([]byte(spec.Hostname)); err != nil {
			log.Warnf("set hostname %s error %v", spec.Hostname, err)
		}
	}
	if os.Getenv("PATH") == "" {
		os.Setenv("PATH", "/bin:/usr/bin:/sbin:/usr/sbin")
	}
	path, err := exec.LookPath(spec.Argv[0])
	if err != nil {
		return fmt.Errorf("look path %s error: %w", spec.Argv[0], err)
	}
	if err := unix.Exec(path, spec.Argv, os.Environ()); err != nil {
		return fmt.Errorf("exec %s error: %w", path, err)
	}
	return nil
}

// fd 3 是父进程传入的管道读取端
func readInitSpec() (*InitSpec, error) {
	pipe := os.NewFile(uintptr(3), "pipe")
	defer pipe.Close()
	var spec InitSpec
	if err := json.NewDecoder(pipe).Decode(&spec); err != nil {
		return nil, fmt.Errorf("read init spec error: %w", err)
	}
	return &spec, nil
}

// 用 pivot_root 把根切换到当前目录（父进程把工作目录设成了
// 容器的 rootfs）
func setUpRoot() error {
	root, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get current location error: %w", err)
	}
	// systemd 把 mount namespace 默认设成 shared，必须先声明
	// private，否则容器内的挂载会传播回宿主机
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("make / private error: %w", err)
	}
	// pivot_root 要求新根是一个挂载点，bind 到自身即可
	if err := unix.Mount(root, root, "bind", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mount rootfs error: %w", err)
	}
	pivotDir := filepath.Join(root, ".pivot_root")
	if err := os.Mkdir(pivotDir, 0777); err != nil && !os.IsExist(err) {
		return err
	}
	if err := unix.PivotRoot(root, pivotDir); err != nil {
		return fmt.Errorf("pivot_root error: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir / error: %w", err)
	}
	// 旧根对容器不可见，卸掉并删除挂载点
	pivotDir = filepath.Join("/", ".pivot_root")
	if err := unix.Unmount(pivotDir, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount old root error: %w", err)
	}
	return os.Remove(pivotDir)
}
