package rpcclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/g960059/tunnelctl/internal/api"
	"github.com/g960059/tunnelctl/internal/codec"
)

const maxResponseSize = 8 << 20

// Conn issues one request to the service. Implementations return a
// *ServiceError for semantic failures and a plain error for transport
// failures; stale keep-alive symptoms wrap ErrStaleConnection.
type Conn interface {
	Call(ctx context.Context, action api.Action, req, resp any) error
}

// HTTPConn speaks CBOR over HTTP/1.1 keep-alive, on a unix socket or TCP.
type HTTPConn struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

// Dial builds an HTTPConn for address, which is either
// unix:///path/to/socket or tcp://host:port. No connection is opened
// until the first call.
func Dial(address string, unaryTimeout time.Duration) (*HTTPConn, error) {
	u, err := url.Parse(strings.TrimSpace(address))
	if err != nil {
		return nil, fmt.Errorf("parse service address: %w", err)
	}
	switch u.Scheme {
	case "unix":
		socketPath := u.Path
		if socketPath == "" {
			return nil, fmt.Errorf("service address %q has no socket path", address)
		}
		transport := &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
			MaxIdleConnsPerHost: 1,
		}
		return NewHTTPConn("http://unix", &http.Client{Transport: transport}, unaryTimeout), nil
	case "tcp", "http":
		if u.Host == "" {
			return nil, fmt.Errorf("service address %q has no host", address)
		}
		transport := &http.Transport{MaxIdleConnsPerHost: 1}
		return NewHTTPConn("http://"+u.Host, &http.Client{Transport: transport}, unaryTimeout), nil
	default:
		return nil, fmt.Errorf("unsupported service address scheme %q", u.Scheme)
	}
}

func NewHTTPConn(baseURL string, client *http.Client, unaryTimeout time.Duration) *HTTPConn {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPConn{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: unaryTimeout,
	}
}

func (c *HTTPConn) Call(ctx context.Context, action api.Action, req, resp any) error {
	if req == nil {
		req = struct{}{}
	}
	body, err := codec.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", action, err)
	}
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+api.PathPrefix+string(action), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", codec.ContentType)
	httpReq.Header.Set("Accept", codec.ContentType)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyTransport(err)
	}
	defer httpResp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return classifyTransport(err)
	}
	var envelope api.Response
	if err := codec.Unmarshal(payload, &envelope); err != nil {
		if httpResp.StatusCode >= 400 {
			return fmt.Errorf("http %d: %s", httpResp.StatusCode, strings.TrimSpace(string(payload)))
		}
		return fmt.Errorf("decode %s response: %w", action, err)
	}
	if !envelope.OK {
		se := &ServiceError{Action: action}
		if envelope.Error != nil {
			se.Code = envelope.Error.Code
			se.Message = envelope.Error.Message
		}
		return se
	}
	if resp != nil && len(envelope.Data) > 0 {
		if err := codec.Unmarshal(envelope.Data, resp); err != nil {
			return fmt.Errorf("decode %s result: %w", action, err)
		}
	}
	return nil
}

// CloseIdle drops kept-alive connections.
func (c *HTTPConn) CloseIdle() {
	c.client.CloseIdleConnections()
}
