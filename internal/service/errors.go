package service

import "errors"

// 业务层通用错误，handler 可根据错误类型映射到合适的响应。
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
)
