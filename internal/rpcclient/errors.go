package rpcclient

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"

	"github.com/g960059/tunnelctl/internal/api"
)

// ErrStaleConnection marks a transport failure where the remote end
// closed a kept-alive connection after a partial response. It is the
// only failure the client retries.
var ErrStaleConnection = errors.New("remote end closed connection after partial response")

// ConnectionError is a transport failure that survived the retry policy.
type ConnectionError struct {
	Action   api.Action
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("connection error on %s after %d attempt(s): %v", e.Action, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ServiceError is a request the service understood and rejected.
type ServiceError struct {
	Action  api.Action
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("service error on %s: %s: %s", e.Action, e.Code, e.Message)
	}
	return fmt.Sprintf("service error on %s: %s", e.Action, e.Message)
}

func IsConnectionError(err error) bool {
	var target *ConnectionError
	return errors.As(err, &target)
}

func IsServiceError(err error) bool {
	var target *ServiceError
	return errors.As(err, &target)
}

// classifyTransport tags stale keep-alive symptoms with
// ErrStaleConnection and returns every other error unchanged.
func classifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStaleConnection) {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) {
		return fmt.Errorf("%w: %v", ErrStaleConnection, err)
	}
	// net/http reports a keep-alive connection the server dropped
	// before our write with an unexported error.
	if strings.Contains(err.Error(), "server closed idle connection") {
		return fmt.Errorf("%w: %v", ErrStaleConnection, err)
	}
	return err
}
