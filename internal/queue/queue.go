// Package queue NSQ 接入层
// 业务方通过 intake 主题提交下行通知,设备上行的业务数据发布到 upstream 主题
package queue

import "context"

// Publisher 消息发布接口
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
	Close()
}

// Consumer 消息消费接口
type Consumer interface {
	Run() error
	Stop()
}
