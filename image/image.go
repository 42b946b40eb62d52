package image

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// 镜像仓库根目录
	DefaultRoot = "/var/lib/tinybox/images"
	// 查询不到镜像
	ErrNotFound = errors.New("image not found")
)

const (
	layerName    = "layer.tar.gz"
	manifestName = "manifest.json"
)

type Image struct {
	Name        string `json:"name"`
	Tag         string `json:"tag"`
	CreatedTime string `json:"createTime"`
	Size        int64  `json:"size"` // 层压缩后的字节数
}

// 镜像存储，容器核心只依赖 Lookup 和 Extract
type Store struct {
	Root string
}

func NewStore(root string) *Store {
	if root == "" {
		root = DefaultRoot
	}
	return &Store{Root: root}
}

// 解析镜像引用，只按第一个冒号拆分，默认 tag 为 latest
func ParseReference(ref string) (string, string) {
	parts := strings.SplitN(ref, ":", 2)
	if len(parts) < 2 || parts[1] == "" {
		return parts[0], "latest"
	}
	return parts[0], parts[1]
}

func (s *Store) imageDir(name, tag string) string {
	return filepath.Join(s.Root, name, tag)
}

// 把目录打包成一层 tar.gz 并写入 manifest
func (s *Store) Build(srcDir, ref string) (*Image, error) {
	name, tag := ParseReference(ref)
	if name == "" {
		return nil, fmt.Errorf("empty image name in reference %q", ref)
	}
	if info, err := os.Stat(srcDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("build source %s is not a directory", srcDir)
	}
	dir := s.imageDir(name, tag)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("mkdir %s error: %w", dir, err)
	}
	layerPath := filepath.Join(dir, layerName)
	size, err := archiveDir(srcDir, layerPath)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	img := &Image{
		Name:        name,
		Tag:         tag,
		CreatedTime: time.Now().Format("2006/1/2 15:04:05"),
		Size:        size,
	}
	data, err := json.Marshal(img)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), data, 0644); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("write manifest error: %w", err)
	}
	return img, nil
}

// 根据名字和 tag 查询镜像
func (s *Store) Lookup(name, tag string) (*Image, error) {
	data, err := os.ReadFile(filepath.Join(s.imageDir(name, tag), manifestName))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var img Image
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("unmarshal manifest for %s:%s error: %w", name, tag, err)
	}
	return &img, nil
}

// 列出仓库中的所有镜像
func (s *Store) List() ([]*Image, error) {
	manifests, err := filepath.Glob(filepath.Join(s.Root, "*", "*", manifestName))
	if err != nil {
		return nil, err
	}
	var images []*Image
	for _, path := range manifests {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var img Image
		if err := json.Unmarshal(data, &img); err != nil {
			continue
		}
		images = append(images, &img)
	}
	return images, nil
}

// 删除镜像的层和 manifest
func (s *Store) Remove(ref string) error {
	name, tag := ParseReference(ref)
	if _, err := s.Lookup(name, tag); err != nil {
		return err
	}
	if err := os.RemoveAll(s.imageDir(name, tag)); err != nil {
		return fmt.Errorf("remove image %s:%s error: %w", name, tag, err)
	}
	// 同名镜像的最后一个 tag 删掉后顺便清理空目录
	os.Remove(filepath.Join(s.Root, name))
	return nil
}

// 把镜像层解压到目标目录
func (s *Store) Extract(name, tag, targetDir string) error {
	if _, err := s.Lookup(name, tag); err != nil {
		return err
	}
	file, err := os.Open(filepath.Join(s.imageDir(name, tag), layerName))
	if err != nil {
		return fmt.Errorf("open layer for %s:%s error: %w", name, tag, err)
	}
	defer file.Close()
	return unarchive(file, targetDir)
}

func archiveDir(srcDir, dst string) (int64, error) {
	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create layer %s error: %w", dst, err)
	}
	defer out.Close()
	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)

	err = filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(tw, in)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("archive %s error: %w", srcDir, err)
	}
	if err := tw.Close(); err != nil {
		return 0, err
	}
	if err := gw.Close(); err != nil {
		return 0, err
	}
	stat, err := out.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

func unarchive(r io.Reader, targetDir string) error {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("read layer error: %w", err)
	}
	defer gr.Close()
	tr := tar.NewReader(gr)
	cleanTarget := filepath.Clean(targetDir)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read layer entry error: %w", err)
		}
		target := filepath.Join(cleanTarget, hdr.Name)
		// 拒绝逃出目标目录的条目
		if target != cleanTarget && !strings.HasPrefix(target, cleanTarget+string(os.PathSeparator)) {
			return fmt.Errorf("layer entry %q escapes target directory", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeLink:
			// busybox 之类的根文件系统里硬链接很常见
			src := filepath.Join(cleanTarget, hdr.Linkname)
			if src != cleanTarget && !strings.HasPrefix(src, cleanTarget+string(os.PathSeparator)) {
				return fmt.Errorf("layer link %q escapes target directory", hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Link(src, target); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}
