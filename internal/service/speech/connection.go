package speech

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/tutor-voice/backend/internal/logger"
)

// RetryOptions 上游连接重试配置
type RetryOptions struct {
	MaxAttempts    int           // 最大尝试次数
	AttemptTimeout time.Duration // 单次连接超时
	Backoff        time.Duration // 重试间隔基数，第 n 次重试等待 n*Backoff
}

// DefaultRetryOptions 默认重试配置
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts:    2,
		AttemptTimeout: 15 * time.Second,
		Backoff:        500 * time.Millisecond,
	}
}

// RetryDialer 带重试的上游连接建立
type RetryDialer struct {
	next Dialer
	opts RetryOptions
}

// NewRetryDialer 包装一个 Dialer，对可重试错误进行有限次重试
func NewRetryDialer(next Dialer, opts RetryOptions) *RetryDialer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &RetryDialer{next: next, opts: opts}
}

// Open 建立上游连接
func (d *RetryDialer) Open(ctx context.Context, opts OpenOptions) (Stream, error) {
	var lastErr error

	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		stream, err := d.openOnce(ctx, opts)
		if err == nil {
			return stream, nil
		}
		lastErr = err

		// 如果是上下文取消，直接返回
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsRetryableError(err) || attempt == d.opts.MaxAttempts {
			break
		}

		logger.Warn("upstream connect failed, retrying", "session", opts.SessionID, "attempt", attempt, "err", err)

		retryDelay := time.Duration(attempt) * d.opts.Backoff
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	return nil, fmt.Errorf("upstream connect failed: %w", lastErr)
}

func (d *RetryDialer) openOnce(ctx context.Context, opts OpenOptions) (Stream, error) {
	if d.opts.AttemptTimeout <= 0 {
		return d.next.Open(ctx, opts)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
	defer cancel()
	return d.next.Open(attemptCtx, opts)
}

// IsRetryableError 判断上游错误是否可重试
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseAbnormalClosure, websocket.CloseGoingAway, websocket.CloseTryAgainLater, websocket.CloseServiceRestart:
			return true
		}
		return false
	}

	// 握手被拒绝（鉴权、模型不存在）重试无意义
	if errors.Is(err, websocket.ErrBadHandshake) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
