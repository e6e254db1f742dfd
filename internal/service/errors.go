package service

import "errors"

var (
	// ErrInvalidAppReference 生成密钥时引用了不存在的应用
	ErrInvalidAppReference = errors.New("invalid application reference")
	// ErrInvalidMaxActivations 最大激活数必须 >= 1
	ErrInvalidMaxActivations = errors.New("maxActivations must be at least 1")
	// ErrInvalidDuration 有效期超出范围
	ErrInvalidDuration = errors.New("durationMs out of range")
	// ErrHWIDRequired 验证时缺少硬件指纹
	ErrHWIDRequired = errors.New("hwid is required")
	// ErrInvalidAppSecret 应用密钥不匹配
	ErrInvalidAppSecret = errors.New("invalid application secret")
	// ErrApplicationInUse 仍有密钥引用该应用
	ErrApplicationInUse = errors.New("application still has license keys")
	// ErrInvalidInput 输入字段校验失败
	ErrInvalidInput = errors.New("invalid input")
	// ErrKeyGenerationFailed 多次重试后仍未生成唯一密钥
	ErrKeyGenerationFailed = errors.New("failed to generate unique key")
)
