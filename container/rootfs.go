package container

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const InitScriptName = "container_init.sh"

// proc 不允许在里面运行程序、set-uid 和访问设备
const defaultMountFlags = unix.MS_NOEXEC | unix.MS_NOSUID | unix.MS_NODEV

var (
	// 容器根目录的固定骨架
	skeletonDirs = []string{"bin", "etc", "lib", "usr", "sbin", "proc", "sys", "dev", "tmp", "run", "var", "home"}
	// 绑定进容器的宿主机目录，让宿主机的程序不用拷贝就能执行
	defaultBindDirs = []string{"bin", "etc", "lib", "usr", "sbin", "var"}
)

// 一条挂载记录，拆除时严格按记录的逆序处理
type MountRecord struct {
	Source string  `json:"source,omitempty"` // 虚拟文件系统没有来源目录
	Target string  `json:"target"`
	FSType string  `json:"fstype"`
	Flags  uintptr `json:"flags"`
	Data   string  `json:"data,omitempty"`
	Index  int     `json:"index"`
}

// 搭建和拆除容器的根文件系统
type Stager struct {
	root     string
	bindDirs []string
	binds    []MountRecord
	virtual  []MountRecord

	mount   func(source, target, fstype string, flags uintptr, data string) error
	unmount func(target string, flags int) error
}

func NewStager(root string) *Stager {
	return &Stager{
		root:     root,
		bindDirs: defaultBindDirs,
		mount:    unix.Mount,
		unmount:  unix.Unmount,
	}
}

func (s *Stager) Root() string {
	return s.root
}

// 创建根目录和骨架，把宿主机目录绑定进来。
// 根目录建不出来是致命错误，单个目录或挂载失败只降级告警
func (s *Stager) Initialize() (Diagnostics, error) {
	var diags Diagnostics
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return diags, fmt.Errorf("create container root %s error: %w", s.root, err)
	}
	dirs := skeletonDirs
	binds := s.bindDirs
	// lib64 只有部分发行版有
	if _, err := os.Stat("/lib64"); err == nil {
		dirs = append(append([]string{}, dirs...), "lib64")
		binds = append(append([]string{}, binds...), "lib64")
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(filepath.Join(s.root, dir), 0755); err != nil {
			diags.Add("mkdir "+dir, err)
		}
	}
	for _, dir := range binds {
		src := "/" + dir
		if _, err := os.Stat(src); err != nil {
			diags.Add("bind "+src, fmt.Errorf("source directory missing, skipped"))
			continue
		}
		rec := MountRecord{
			Source: src,
			Target: filepath.Join(s.root, dir),
			Flags:  unix.MS_BIND | unix.MS_REC,
			Index:  len(s.binds),
		}
		if err := s.mount(rec.Source, rec.Target, rec.FSType, rec.Flags, rec.Data); err != nil {
			diags.Add("bind "+src, err)
			continue
		}
		s.binds = append(s.binds, rec)
	}
	return diags, nil
}

// 虚拟文件系统的挂载计划。真正的挂载由容器 init 进程在自己
// 私有的 mount namespace 里执行，宿主机上看不到
func (s *Stager) VirtualMounts() []MountRecord {
	if s.virtual == nil {
		s.virtual = []MountRecord{
			{Source: "proc", Target: "/proc", FSType: "proc", Flags: defaultMountFlags},
			{Source: "sysfs", Target: "/sys", FSType: "sysfs", Flags: defaultMountFlags},
			{Source: "devtmpfs", Target: "/dev", FSType: "devtmpfs", Flags: unix.MS_NOSUID},
			{Source: "tmpfs", Target: "/tmp", FSType: "tmpfs", Flags: unix.MS_NOSUID | unix.MS_NODEV, Data: "mode=1777"},
			{Source: "tmpfs", Target: "/run", FSType: "tmpfs", Flags: unix.MS_NOSUID | unix.MS_NODEV, Data: "mode=755"},
		}
		for i := range s.virtual {
			s.virtual[i].Index = i
		}
	}
	return s.virtual
}

// 生成 init 脚本，记录容器的初始化序列：挂载虚拟文件系统，
// 然后 exec 用户命令
func (s *Stager) WriteInitScript(argv []string) error {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	for _, m := range s.VirtualMounts() {
		if m.Data != "" {
			fmt.Fprintf(&b, "mount -t %s -o %s %s %s\n", m.FSType, m.Data, m.Source, m.Target)
		} else {
			fmt.Fprintf(&b, "mount -t %s %s %s\n", m.FSType, m.Source, m.Target)
		}
	}
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = shellQuote(arg)
	}
	fmt.Fprintf(&b, "exec %s\n", strings.Join(quoted, " "))
	path := filepath.Join(s.root, InitScriptName)
	if err := os.WriteFile(path, []byte(b.String()), 0755); err != nil {
		return fmt.Errorf("write init script %s error: %w", path, err)
	}
	return nil
}

// 先按逆序卸载虚拟文件系统，再按逆序卸载绑定挂载，最后删掉
// 整个根目录树。嵌套的挂载点只有 LIFO 拆才不会 busy。
// 任何一步失败都只积累告警，不向上抛
func (s *Stager) Cleanup() Diagnostics {
	var diags Diagnostics
	stuck := false
	for i := len(s.virtual) - 1; i >= 0; i-- {
		target := filepath.Join(s.root, s.virtual[i].Target)
		if err := s.unmount(target, 0); err != nil && !notMounted(err) {
			diags.Add("unmount "+target, err)
			stuck = true
		}
	}
	for i := len(s.binds) - 1; i >= 0; i-- {
		target := s.binds[i].Target
		if err := s.unmount(target, 0); err != nil && !notMounted(err) {
			diags.Add("unmount "+target, err)
			stuck = true
		}
	}
	// 还有挂载点活着时递归删除会穿透绑定挂载，把宿主机目录
	// 里的文件删掉。宁可泄漏整棵树，也不能碰绑定来源
	if stuck {
		diags.Add("remove "+s.root, fmt.Errorf("mount still busy, leaving tree in place"))
		return diags
	}
	if err := os.RemoveAll(s.root); err != nil {
		diags.Add("remove "+s.root, err)
	}
	return diags
}

// 带空白或特殊字符的参数按 shell 规则加单引号，exec 行不会
// 被 sh 拆错
func shellQuote(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\n\"'`$\\&|;<>()*?[]#~") {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// 没挂载过或路径已不存在时卸载是空操作
func notMounted(err error) bool {
	return err == unix.EINVAL || err == unix.ENOENT
}
