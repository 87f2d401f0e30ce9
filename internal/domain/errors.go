package domain

import "errors"

// 记录级错误：同步时遇到这些错误只跳过当前记录并记录日志
var (
	// ErrNotFound 引用的设备/场次/展位不存在
	ErrNotFound = errors.New("not found")
	// ErrMalformedInput 上游记录时间无法解析、缺少必填字段或数据库拒绝其取值
	ErrMalformedInput = errors.New("malformed input")
	// ErrConflict 写入时违反完整性约束（唯一、外键、非空、检查）
	ErrConflict = errors.New("persistence conflict")
)
