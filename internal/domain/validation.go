package domain

import (
	"errors"
	"regexp"
	"strings"
	"unicode"
)

// 验证相关的错误定义
var (
	ErrInvalidKeyFormat = errors.New("invalid key format")
	ErrHWIDTooLong      = errors.New("hwid too long (max 255 chars)")
	ErrInvalidHWID      = errors.New("hwid contains control characters")
	ErrAppNameInvalid   = errors.New("application name must be 1-100 chars")
	ErrPasswordTooShort = errors.New("password too short (min 8 chars)")
	ErrPasswordTooLong  = errors.New("password too long (max 128 chars)")
	ErrUsernameTooShort = errors.New("username too short (min 3 chars)")
	ErrUsernameTooLong  = errors.New("username too long (max 32 chars)")
	ErrInvalidUsername  = errors.New("invalid username format")
)

// 验证常量
const (
	MaxKeyLength  = 64
	MaxHWIDLength = 255
	MaxAppName    = 100

	MinPasswordLength = 8
	MaxPasswordLength = 128

	MinUsernameLength = 3
	MaxUsernameLength = 32
)

var (
	// 密钥：大写字母数字分段，兼容旧版 XXXXXXXX-XXXXXXXX 格式
	keyRegex = regexp.MustCompile(`^[A-Z0-9]+(-[A-Z0-9]+)+$`)

	// 用户名验证（必须以字母开头）
	usernameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*[a-zA-Z0-9]$|^[a-zA-Z]$`)
)

// NormalizeKey 规范化用户输入的密钥（去空白、转大写）
func NormalizeKey(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}

// ValidateKeyFormat 验证密钥格式
func ValidateKeyFormat(value string) error {
	if value == "" || len(value) > MaxKeyLength || !keyRegex.MatchString(value) {
		return ErrInvalidKeyFormat
	}
	return nil
}

// ValidateHWID 验证硬件指纹
func ValidateHWID(hwid string) error {
	if len(hwid) > MaxHWIDLength {
		return ErrHWIDTooLong
	}
	for _, r := range hwid {
		if unicode.IsControl(r) {
			return ErrInvalidHWID
		}
	}
	return nil
}

// ValidateAppName 验证应用名称
func ValidateAppName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > MaxAppName {
		return ErrAppNameInvalid
	}
	return nil
}

// ValidatePasswordError 验证密码并返回错误
func ValidatePasswordError(password string) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}

	if len(password) > MaxPasswordLength {
		return ErrPasswordTooLong
	}

	return nil
}

// ValidateUsername 验证用户名
func ValidateUsername(username string) error {
	if len(username) < MinUsernameLength {
		return ErrUsernameTooShort
	}

	if len(username) > MaxUsernameLength {
		return ErrUsernameTooLong
	}

	if !usernameRegex.MatchString(username) {
		return ErrInvalidUsername
	}

	return nil
}
