// Package devicegroup 设备组编排
// 通过目录服务创建或查询设备组,把 notificationKeyName -> notificationKey 缓存在存储中,再增删成员
package devicegroup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"ccs-gateway/internal/logging"
	"ccs-gateway/internal/metrics"
	"ccs-gateway/internal/push"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ==================== 常量定义 ====================

const (
	OperationCreate = "create"
	OperationAdd    = "add"
	OperationRemove = "remove"
	OperationFetch  = "fetch"

	queryNotificationKeyName = "notification_key_name"
	maxErrorBodyBytes        = 4 << 10

	defaultDirectoryTimeout = 10 * time.Second
	defaultMaxFailures      = 5
	defaultOpenTimeout      = 30 * time.Second
	defaultHalfOpenRequests = 1
)

// Directory 目录服务能力
type Directory interface {
	Create(ctx context.Context, keyName, token string) (string, error)
	Fetch(ctx context.Context, keyName string) (string, error)
	Add(ctx context.Context, keyName, key, token string) error
	Remove(ctx context.Context, keyName, key, token string) error
}

// DirectoryConfig 目录服务客户端配置
type DirectoryConfig struct {
	Endpoint         string
	SenderID         string
	APIKey           string
	Timeout          time.Duration
	MaxFailures      uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
	Metrics          *metrics.Metrics
}

// groupRequest 设备组操作请求体
type groupRequest struct {
	Operation           string   `json:"operation"`
	NotificationKeyName string   `json:"notification_key_name"`
	NotificationKey     string   `json:"notification_key,omitempty"`
	RegistrationIDs     []string `json:"registration_ids"`
}

// groupResponse 目录服务响应
type groupResponse struct {
	NotificationKey string `json:"notification_key"`
	Error           string `json:"error,omitempty"`
}

// statusError 非 200 响应
type statusError struct {
	StatusCode int
	Body       string
}

func (err *statusError) Error() string {
	return fmt.Sprintf("directory responded %d: %s", err.StatusCode, err.Body)
}

// ==================== 客户端 ====================

// HTTPDirectory 带熔断的目录服务 HTTP 客户端
type HTTPDirectory struct {
	config  DirectoryConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewHTTPDirectory 创建目录服务客户端
func NewHTTPDirectory(config DirectoryConfig) *HTTPDirectory {
	if config.Timeout <= 0 {
		config.Timeout = defaultDirectoryTimeout
	}
	if config.MaxFailures == 0 {
		config.MaxFailures = defaultMaxFailures
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = defaultOpenTimeout
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = defaultHalfOpenRequests
	}

	directory := &HTTPDirectory{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		metrics: config.Metrics,
		logger:  logging.Component("DeviceGroupDirectory"),
	}

	maxFailures := config.MaxFailures
	directory.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "device-group-directory",
		MaxRequests: config.HalfOpenRequests,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// 4xx 是业务层面的拒绝,不代表目录服务不可用
		IsSuccessful: func(err error) bool {
			var status *statusError
			return err == nil || (errors.As(err, &status) && status.StatusCode < http.StatusInternalServerError)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			directory.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("[DeviceGroupDirectory] 熔断器状态变化")
		},
	})

	return directory
}

// Create 以 token 作为唯一初始成员创建设备组,返回 notificationKey
func (directory *HTTPDirectory) Create(ctx context.Context, keyName, token string) (string, error) {
	response, err := directory.post(ctx, OperationCreate, groupRequest{
		Operation:           OperationCreate,
		NotificationKeyName: keyName,
		RegistrationIDs:     []string{token},
	})
	if err != nil {
		return "", err
	}
	return directory.requireKey(OperationCreate, response)
}

// Fetch 按 notificationKeyName 查询已存在的设备组
func (directory *HTTPDirectory) Fetch(ctx context.Context, keyName string) (string, error) {
	endpoint, err := url.Parse(directory.config.Endpoint)
	if err != nil {
		return "", push.WrapError(push.ErrDirectory, "parse endpoint", err)
	}
	query := endpoint.Query()
	query.Set(queryNotificationKeyName, keyName)
	endpoint.RawQuery = query.Encode()

	response, err := directory.execute(ctx, OperationFetch, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return "", err
	}
	return directory.requireKey(OperationFetch, response)
}

// Add 把 token 加入设备组
func (directory *HTTPDirectory) Add(ctx context.Context, keyName, key, token string) error {
	_, err := directory.post(ctx, OperationAdd, groupRequest{
		Operation:           OperationAdd,
		NotificationKeyName: keyName,
		NotificationKey:     key,
		RegistrationIDs:     []string{token},
	})
	return err
}

// Remove 把 token 移出设备组
func (directory *HTTPDirectory) Remove(ctx context.Context, keyName, key, token string) error {
	_, err := directory.post(ctx, OperationRemove, groupRequest{
		Operation:           OperationRemove,
		NotificationKeyName: keyName,
		NotificationKey:     key,
		RegistrationIDs:     []string{token},
	})
	return err
}

// ==================== 私有方法 ====================

func (directory *HTTPDirectory) post(ctx context.Context, operation string, request groupRequest) (groupResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return groupResponse{}, push.WrapError(push.ErrDirectory, "encode "+operation, err)
	}
	return directory.execute(ctx, operation, http.MethodPost, directory.config.Endpoint, body)
}

// execute 经熔断器发起请求,熔断打开时立即返回 ErrDirectoryUnavailable
func (directory *HTTPDirectory) execute(ctx context.Context, operation, method, target string, body []byte) (groupResponse, error) {
	result, err := directory.breaker.Execute(func() (interface{}, error) {
		return directory.roundTrip(ctx, method, target, body)
	})
	directory.metrics.RecordDirectoryCall(operation, err)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		directory.logger.Warn().Str("operation", operation).Msg("[DeviceGroupDirectory] 熔断中,快速失败")
		return groupResponse{}, push.WrapError(push.ErrDirectoryUnavailable, operation, err)
	}
	if err != nil {
		directory.logger.Error().Err(err).Str("operation", operation).Msg("[DeviceGroupDirectory] 调用失败")
		return groupResponse{}, push.WrapError(push.ErrDirectory, operation, err)
	}

	return result.(groupResponse), nil
}

func (directory *HTTPDirectory) roundTrip(ctx context.Context, method, target string, body []byte) (groupResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return groupResponse{}, err
	}
	request.Header.Set("Authorization", "key="+directory.config.APIKey)
	request.Header.Set("Content-Type", "application/json; charset=utf-8")
	request.Header.Set("project_id", directory.config.SenderID)

	response, err := directory.client.Do(request)
	if err != nil {
		return groupResponse{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return groupResponse{}, &statusError{StatusCode: response.StatusCode, Body: string(raw)}
	}

	var decoded groupResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil && !errors.Is(err, io.EOF) {
		return groupResponse{}, err
	}
	return decoded, nil
}

func (directory *HTTPDirectory) requireKey(operation string, response groupResponse) (string, error) {
	if response.NotificationKey == "" {
		return "", push.WrapError(push.ErrDirectory, operation+" returned no notification_key", nil)
	}
	return response.NotificationKey, nil
}
