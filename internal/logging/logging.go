// Package logging 统一配置全局 zerolog 输出
// 各组件通过 Component 取得带 component 字段的子 logger
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const componentField = "component"

// Setup 设置全局日志级别与输出格式
func Setup(level string, console bool) {
	SetLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var writer io.Writer = os.Stderr
	if console {
		writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}
	}

	log.Logger = zerolog.New(writer).With().Timestamp().Logger()
}

// SetLevel 按名称设置全局级别,无法识别时回落到 info
func SetLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "disabled", "off":
		zerolog.SetGlobalLevel(zerolog.Disabled)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// Component 返回带组件名的子 logger
func Component(name string) zerolog.Logger {
	return log.With().Str(componentField, name).Logger()
}
