package filesystem

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// PlatformUtils 平台兼容性工具
type PlatformUtils struct{}

// NewPlatformUtils 创建平台工具实例
func NewPlatformUtils() *PlatformUtils {
	return &PlatformUtils{}
}

// ValidatePath 验证路径是否安全
func (p *PlatformUtils) ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	if len(path) > p.GetMaxPathLength() {
		return fmt.Errorf("path too long: %d characters", len(path))
	}

	// 拒绝路径遍历
	for _, part := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return fmt.Errorf("path traversal detected: %s", path)
		}
	}

	if strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("path contains NUL byte")
	}

	return nil
}

// GetMaxPathLength 获取当前平台的最大路径长度
func (p *PlatformUtils) GetMaxPathLength() int {
	switch runtime.GOOS {
	case "windows":
		// Windows 10 支持长路径，但为了兼容性使用保守值
		return 200
	case "darwin", "linux":
		return 400
	default:
		return 200
	}
}

// IsCaseSensitive 检查当前文件系统是否大小写敏感
func (p *PlatformUtils) IsCaseSensitive() bool {
	return runtime.GOOS != "windows"
}

// NormalizePath 标准化路径
func (p *PlatformUtils) NormalizePath(path string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}

	cleanPath := filepath.Clean(absPath)
	if !p.IsCaseSensitive() {
		cleanPath = strings.ToLower(cleanPath)
	}
	return cleanPath
}

// CorruptName 返回损坏文件的备份名，如 keys.json.corrupt-1700000000
func (p *PlatformUtils) CorruptName(path string, unix int64) string {
	return fmt.Sprintf("%s.corrupt-%d", path, unix)
}
