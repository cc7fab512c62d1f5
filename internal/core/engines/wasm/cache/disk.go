package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/weisyn/wasmvm/pkg/types"
)

// 磁盘层目录与文件权限
const (
	wasmDir    = "wasm"
	modulesDir = "modules"

	dirPerm  = 0o700
	filePerm = 0o600
)

// diskStore 缓存目录的磁盘层
//
// 📋 **目录布局**：
//
//	<root>/wasm/<hex>.wasm                     原始字节码（retain_wasm 时保存）
//	<root>/modules/<hex[0:2]>/<hex>.module    CBOR 编译产物
//
// 所有写入先写临时文件再 rename，读取方不会看到写了一半的文件。
type diskStore struct {
	root string
}

func newDiskStore(root string) (*diskStore, error) {
	// 统一为绝对路径，避免相对路径导致的边界校验误判
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	for _, dir := range []string{root, filepath.Join(root, wasmDir), filepath.Join(root, modulesDir)} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return nil, fmt.Errorf("创建缓存目录失败 %s: %w", dir, err)
		}
	}
	return &diskStore{root: root}, nil
}

func wasmPath(id types.CodeID) string {
	return filepath.Join(wasmDir, id.String()+".wasm")
}

func modulePath(id types.CodeID) string {
	hex := id.String()
	return filepath.Join(modulesDir, hex[:2], hex+".module")
}

// write 原子写入：同目录临时文件 + fsync + rename
func (d *diskStore) write(rel string, data []byte) error {
	full, err := d.fullPath(rel)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(full)+"-*")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("同步临时文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		cleanup()
		return fmt.Errorf("设置文件权限失败: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		cleanup()
		return fmt.Errorf("重命名文件失败: %w", err)
	}
	return nil
}

// read 读取文件；不存在时返回的错误满足 errors.Is(err, os.ErrNotExist)
func (d *diskStore) read(rel string) ([]byte, error) {
	full, err := d.fullPath(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("读取文件失败 %s: %w", rel, err)
	}
	return data, nil
}

// remove 删除文件，文件不存在视为成功
func (d *diskStore) remove(rel string) error {
	full, err := d.fullPath(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("删除文件失败 %s: %w", rel, err)
	}
	return nil
}

func isWithinRoot(root, fullPath string) bool {
	rel, err := filepath.Rel(root, fullPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// fullPath 获取完整路径（带边界校验）
func (d *diskStore) fullPath(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("非法路径: %q", rel)
	}
	full := filepath.Clean(filepath.Join(d.root, rel))
	if !isWithinRoot(d.root, full) {
		return "", fmt.Errorf("非法路径：越界访问: %s", rel)
	}
	return full, nil
}
