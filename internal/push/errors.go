// push/errors.go
package push

import (
	"errors"
	"fmt"
)

// 错误分类
// 调用方通过 errors.Is 判断类别,具体原因以 %w 包装携带
var (
	ErrTransport            = errors.New("ccs transport error")
	ErrAuth                 = errors.New("ccs authentication failed")
	ErrProtocol             = errors.New("malformed ccs frame")
	ErrStore                = errors.New("store operation failed")
	ErrDirectory            = errors.New("device group directory error")
	ErrDirectoryUnavailable = errors.New("device group directory unavailable")
	ErrNoActiveChannel      = errors.New("no active ccs channel")
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrNoRecipient          = errors.New("no valid recipient")
)

// WrapError 将底层错误归入指定类别
func WrapError(kind error, msg string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", kind, msg)
	}
	return fmt.Errorf("%w: %s: %w", kind, msg, err)
}
