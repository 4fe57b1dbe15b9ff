package geyser

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/stratus-svm/internal/log"
)

// Client errors.
var (
	ErrClosed        = errors.New("geyser client closed")
	ErrStreamClosed  = errors.New("geyser stream closed")
	ErrMaxReconnects = errors.New("max reconnection attempts reached")
)

// Client subscribes to a geyser server.
type Client struct {
	config ClientConfig
	conn   *grpc.ClientConn
	logger *zap.Logger

	closed         atomic.Bool
	reconnectCount atomic.Int32
}

// Dial creates a client for config.Endpoint. The connection is established
// lazily by the first subscription.
func Dial(ctx context.Context, config ClientConfig, logger *zap.Logger, extra ...grpc.DialOption) (*Client, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                config.KeepaliveTime,
			Timeout:             config.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(binaryCodec{}),
			grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(config.MaxMessageSize),
		),
	}

	if config.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(
			credentials.NewTLS(&tls.Config{
				MinVersion: tls.VersionTLS12,
			}),
		))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if config.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&tokenAuth{
			token:      config.ExpandedToken(),
			requireTLS: config.UseTLS,
		}))
	}
	opts = append(opts, extra...)

	conn, err := grpc.DialContext(ctx, config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gRPC: %w", err)
	}
	return &Client{
		config: config,
		conn:   conn,
		logger: log.WithPackage(logger),
	}, nil
}

// Subscription is an open update stream.
type Subscription struct {
	stream grpc.ClientStream
}

// Recv blocks for the next update.
func (s *Subscription) Recv() (*Update, error) {
	u := new(Update)
	if err := s.stream.RecvMsg(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Subscribe opens a stream filtered by req. The stream ends when ctx is
// canceled.
func (c *Client) Subscribe(ctx context.Context, req *SubscribeRequest) (*Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if len(c.config.Headers) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, metadata.New(c.config.Headers))
	}
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return &Subscription{stream: stream}, nil
}

// Run subscribes with req and calls fn for every update, reconnecting with
// exponential backoff when the stream breaks. It returns when ctx is done,
// fn fails or the reconnect budget is spent.
func (c *Client) Run(ctx context.Context, req *SubscribeRequest, fn func(*Update) error) error {
	backoff := c.config.ReconnectMinDelay
	attempt := 0

	for {
		received, err := c.runOnce(ctx, req, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.closed.Load() {
			return ErrClosed
		}
		if !isRetryableError(err) {
			return err
		}
		if received {
			backoff = c.config.ReconnectMinDelay
			attempt = 0
		}

		attempt++
		c.reconnectCount.Add(1)
		if c.config.MaxReconnects > 0 && attempt > c.config.MaxReconnects {
			return fmt.Errorf("%w: %v", ErrMaxReconnects, err)
		}
		c.logger.Warn("geyser stream broken, reconnecting",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = minDuration(backoff*2, c.config.ReconnectMaxDelay)
	}
}

func (c *Client) runOnce(ctx context.Context, req *SubscribeRequest, fn func(*Update) error) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, err := c.Subscribe(ctx, req)
	if err != nil {
		return false, err
	}
	received := false
	for {
		u, err := sub.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamClosed
			}
			return received, err
		}
		received = true
		if err := fn(u); err != nil {
			return received, err
		}
	}
}

// ReconnectCount returns how many times Run reconnected.
func (c *Client) ReconnectCount() int {
	return int(c.reconnectCount.Load())
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return ErrClosed
	}
	return c.conn.Close()
}

// tokenAuth implements grpc.PerRPCCredentials for token authentication.
type tokenAuth struct {
	token      string
	requireTLS bool
}

// GetRequestMetadata returns the authentication metadata.
func (t *tokenAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		tokenHeader: t.token,
	}, nil
}

// RequireTransportSecurity returns whether TLS is required.
func (t *tokenAuth) RequireTransportSecurity() bool {
	return t.requireTLS
}

// minDuration returns the minimum of two durations.
func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// isRetryableError returns true if the error should trigger a retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal, codes.ResourceExhausted:
			return true
		}
	}

	return errors.Is(err, io.EOF) || errors.Is(err, ErrStreamClosed)
}
