package config

import (
	"net/http"

	"github.com/tokmz/callsignal/pkg/errors"
)

// 3000 段错误码：配置相关
var (
	// ErrConfigNotFound 配置文件未找到
	ErrConfigNotFound = errors.New(3001, http.StatusInternalServerError, "config file not found")
	// ErrConfigReadFailed 配置读取失败
	ErrConfigReadFailed = errors.New(3003, http.StatusInternalServerError, "config read failed")
	// ErrConfigInvalid 配置值不合法
	ErrConfigInvalid = errors.New(3004, http.StatusInternalServerError, "config invalid")
)
