package container

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// 记录挂载和卸载调用顺序的 stager
func newRecordingStager(t *testing.T, bindDirs []string) (*Stager, *[]string, *[]string) {
	t.Helper()
	s := NewStager(filepath.Join(t.TempDir(), "rootfs"))
	s.bindDirs = bindDirs
	var mounted, unmounted []string
	s.mount = func(source, target, fstype string, flags uintptr, data string) error {
		mounted = append(mounted, target)
		return nil
	}
	s.unmount = func(target string, flags int) error {
		unmounted = append(unmounted, target)
		return nil
	}
	return s, &mounted, &unmounted
}

func TestInitializeCreatesSkeleton(t *testing.T) {
	s, _, _ := newRecordingStager(t, []string{"etc", "usr"})
	_, err := s.Initialize()
	require.NoError(t, err)
	for _, dir := range skeletonDirs {
		info, err := os.Stat(filepath.Join(s.Root(), dir))
		require.NoError(t, err, "skeleton dir %s", dir)
		assert.True(t, info.IsDir())
	}
}

func TestInitializeFatalWhenRootUncreatable(t *testing.T) {
	parent := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(parent, "occupied"), []byte("x"), 0644))
	// 父路径是普通文件，根目录建不出来
	s := NewStager(filepath.Join(parent, "occupied", "rootfs"))
	_, err := s.Initialize()
	require.Error(t, err)
}

func TestMissingBindSourceSkipped(t *testing.T) {
	s, mounted, _ := newRecordingStager(t, []string{"etc", "no-such-dir-on-any-host"})
	diags, err := s.Initialize()
	require.NoError(t, err)

	var steps []string
	for _, w := range diags {
		steps = append(steps, w.Step)
	}
	assert.Contains(t, steps, "bind /no-such-dir-on-any-host")
	for _, target := range *mounted {
		assert.NotContains(t, target, "no-such-dir-on-any-host")
	}
}

// 卸载顺序必须是挂载顺序的严格逆序
func TestCleanupUnmountsInReverseOrder(t *testing.T) {
	s, mounted, unmounted := newRecordingStager(t, []string{"etc", "usr", "var"})
	_, err := s.Initialize()
	require.NoError(t, err)

	// 虚拟文件系统在绑定挂载之后进入挂载序列
	ordered := append([]string{}, *mounted...)
	for _, m := range s.VirtualMounts() {
		ordered = append(ordered, filepath.Join(s.Root(), m.Target))
	}

	s.Cleanup()

	require.Equal(t, len(ordered), len(*unmounted))
	for i, target := range *unmounted {
		assert.Equal(t, ordered[len(ordered)-1-i], target, "unmount position %d", i)
	}
}

// 绑定挂载 busy 卸不掉时绝不能递归删除：删除会穿透还活着的
// 挂载，把宿主机目录里的文件删掉。整棵树原样保留
func TestCleanupKeepsTreeWhenUnmountBusy(t *testing.T) {
	s, _, _ := newRecordingStager(t, []string{"etc", "usr"})
	_, err := s.Initialize()
	require.NoError(t, err)

	marker := filepath.Join(s.Root(), "usr", "precious")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0644))

	busy := filepath.Join(s.Root(), "usr")
	s.unmount = func(target string, flags int) error {
		if target == busy {
			return unix.EBUSY
		}
		return nil
	}

	diags := s.Cleanup()

	var steps []string
	for _, w := range diags {
		steps = append(steps, w.Step)
	}
	assert.Contains(t, steps, "unmount "+busy)
	assert.Contains(t, steps, "remove "+s.Root())

	// 根目录树和挂载点下的文件都还在
	_, statErr := os.Stat(s.Root())
	assert.NoError(t, statErr)
	_, statErr = os.Stat(marker)
	assert.NoError(t, statErr)
}

func TestCleanupTwiceIsNoop(t *testing.T) {
	s, _, _ := newRecordingStager(t, []string{"etc"})
	_, err := s.Initialize()
	require.NoError(t, err)
	s.VirtualMounts()

	diags := s.Cleanup()
	assert.Empty(t, diags)
	_, statErr := os.Stat(s.Root())
	assert.True(t, os.IsNotExist(statErr))

	// 路径已经没了，第二次清理不会升级成错误
	diags = s.Cleanup()
	assert.Empty(t, diags)
}

func TestWriteInitScript(t *testing.T) {
	s, _, _ := newRecordingStager(t, nil)
	_, err := s.Initialize()
	require.NoError(t, err)
	require.NoError(t, s.WriteInitScript([]string{"/bin/echo", "hi"}))

	data, err := os.ReadFile(filepath.Join(s.Root(), InitScriptName))
	require.NoError(t, err)
	script := string(data)
	assert.Contains(t, script, "#!/bin/sh\n")
	assert.Contains(t, script, "mount -t proc proc /proc\n")
	assert.Contains(t, script, "mount -t tmpfs -o mode=1777 tmpfs /tmp\n")
	assert.Contains(t, script, "exec /bin/echo hi\n")

	info, err := os.Stat(filepath.Join(s.Root(), InitScriptName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

// 带空白的参数在 exec 行里要加引号，sh 才不会拆错
func TestWriteInitScriptQuotesArguments(t *testing.T) {
	s, _, _ := newRecordingStager(t, nil)
	_, err := s.Initialize()
	require.NoError(t, err)
	require.NoError(t, s.WriteInitScript([]string{"/bin/sh", "-c", "echo 'a b'"}))

	data, err := os.ReadFile(filepath.Join(s.Root(), InitScriptName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `exec /bin/sh -c 'echo '\''a b'\'''`+"\n")
}

func TestVirtualMountsIndexed(t *testing.T) {
	s := NewStager(t.TempDir())
	mounts := s.VirtualMounts()
	require.NotEmpty(t, mounts)
	for i, m := range mounts {
		assert.Equal(t, i, m.Index, fmt.Sprintf("mount %s", m.Target))
	}
}
