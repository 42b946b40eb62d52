package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tinybox/cgroups"
	"tinybox/container"
	"tinybox/image"
)

// 容器父进程通过 /proc/self/exe init 重新执行自身，测试二进制
// 也要能响应 init，否则集成测试起不了容器
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		if err := container.RunContainerInitProcess(); err != nil {
			log.Errorf("init container process error %v", err)
			os.Exit(exitCodeInitFailure)
		}
		return
	}
	os.Exit(m.Run())
}

type fakeStore struct {
	images       map[string]bool
	extractCalls int
	extractErr   error
}

func (f *fakeStore) Lookup(name, tag string) (*image.Image, error) {
	if !f.images[name+":"+tag] {
		return nil, image.ErrNotFound
	}
	return &image.Image{Name: name, Tag: tag}, nil
}

func (f *fakeStore) Extract(name, tag, targetDir string) error {
	f.extractCalls++
	return f.extractErr
}

// 把容器和 cgroup 的路径指到临时目录
func setTestPaths(t *testing.T) {
	t.Helper()
	oldBase, oldRoot := container.BaseDir, cgroups.Root
	container.BaseDir = filepath.Join(t.TempDir(), "containers")
	cgroups.Root = t.TempDir()
	t.Cleanup(func() {
		container.BaseDir = oldBase
		cgroups.Root = oldRoot
	})
}

// 镜像查不到时直接失败，之前不产生任何副作用
func TestRunMissingImageNoSideEffects(t *testing.T) {
	setTestPaths(t)
	store := &fakeStore{images: map[string]bool{}}

	result := Run(store, "missing:latest", []string{"/bin/true"}, nil, RunOptions{})

	require.NotNil(t, result.LaunchErr)
	assert.True(t, errors.Is(result.LaunchErr, image.ErrNotFound))
	assert.Equal(t, 0, store.extractCalls)
	_, err := os.Stat(container.BaseDir)
	assert.True(t, os.IsNotExist(err), "no container dir may be created")
	_, err = os.Stat(filepath.Join(cgroups.Root, cgroups.Scope))
	assert.True(t, os.IsNotExist(err), "no cgroup may be created")
}

// cgroup v2 没挂载默认是致命错误，清理仍然要走完
func TestRunCgroupMissingIsFatal(t *testing.T) {
	setTestPaths(t)
	store := &fakeStore{images: map[string]bool{"test:latest": true}}

	result := Run(store, "test", []string{"/bin/true"}, nil, RunOptions{})

	require.NotNil(t, result.LaunchErr)
	assert.True(t, errors.Is(result.LaunchErr, cgroups.ErrNotMounted))
	entries, err := os.ReadDir(container.BaseDir)
	if err == nil {
		assert.Empty(t, entries, "container dir must be torn down")
	} else {
		assert.True(t, os.IsNotExist(err))
	}
}

func TestRunExtractFailureIsLaunchFailure(t *testing.T) {
	setTestPaths(t)
	store := &fakeStore{
		images:     map[string]bool{"test:latest": true},
		extractErr: errors.New("corrupt layer"),
	}

	result := Run(store, "test:latest", []string{"/bin/true"}, nil, RunOptions{})

	require.NotNil(t, result.LaunchErr)
	assert.Contains(t, result.LaunchErr.Error(), "corrupt layer")
	assert.Equal(t, 0, result.ExitCode)
}

// 限制写不进去只降级告警，不中断
func TestApplyLimitsDegradesToWarnings(t *testing.T) {
	manager := &cgroups.Manager{Root: t.TempDir(), Id: "gone"}
	res := &cgroups.Resources{MemoryBytes: -1, CPUQuota: 50000}

	var diags container.Diagnostics
	applyLimits(manager, res, &diags)

	require.Len(t, diags, 2)
	assert.Equal(t, "set memory limit", diags[0].Step)
	assert.Equal(t, "set cpu quota", diags[1].Step)
}

func TestNewContainerIdAvoidsExistingPaths(t *testing.T) {
	setTestPaths(t)
	id1 := newContainerId()
	require.Len(t, id1, 12)
	require.NoError(t, os.MkdirAll(filepath.Join(container.BaseDir, id1), 0755))

	id2 := newContainerId()
	assert.NotEqual(t, id1, id2)
	assert.NotEqual(t,
		filepath.Join(container.BaseDir, id1),
		filepath.Join(container.BaseDir, id2))
}

// 真正克隆 namespace 需要 root，非 root 环境下跳过
func TestRunContainerToCompletion(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root to create namespaces")
	}
	setTestPaths(t)

	store := image.NewStore(t.TempDir())
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "marker"), []byte("x"), 0644))
	_, err := store.Build(src, "test")
	require.NoError(t, err)

	opts := RunOptions{IgnoreCgroups: true}

	result := Run(store, "test:latest", []string{"/bin/true"}, nil, opts)
	require.Nil(t, result.LaunchErr)
	assert.Equal(t, 0, result.ExitCode)
	entries, readErr := os.ReadDir(container.BaseDir)
	if readErr == nil {
		assert.Empty(t, entries, "no residual root directory after cleanup")
	}

	result = Run(store, "test:latest", []string{"/bin/false"}, nil, opts)
	require.Nil(t, result.LaunchErr)
	assert.Equal(t, 1, result.ExitCode)

	// 命令不存在：init 进程死在 exec 之前，算启动失败
	result = Run(store, "test:latest", []string{"no-such-binary-xyz"}, nil, opts)
	assert.NotNil(t, result.LaunchErr)
}
