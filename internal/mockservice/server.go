package mockservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/tunnelctl/internal/api"
	"github.com/g960059/tunnelctl/internal/codec"
)

const maxRequestSize = 4 << 20

// rpcError is a semantic rejection returned to the client in the
// response envelope.
type rpcError struct {
	code    string
	message string
}

func (e *rpcError) Error() string { return e.code + ": " + e.message }

// Server exposes a Service over HTTP on a unix socket or TCP.
type Server struct {
	svc     *Service
	log     *zap.SugaredLogger
	httpSrv *http.Server

	mu         sync.Mutex
	listener   net.Listener
	socketPath string
	failChecks int

	shutdown    sync.Once
	shutdownErr error
}

func NewServer(svc *Service) *Server {
	s := &Server{svc: svc, log: svc.log}
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(api.PathPrefix, s.rpcHandler)
	return mux
}

// FailCheckState makes the next n state checks fail with a transport
// level error.
func (s *Server) FailCheckState(n int) {
	s.mu.Lock()
	s.failChecks = n
	s.mu.Unlock()
}

// Listen binds address, either unix:///path or tcp://host:port. A stale
// unix socket file is replaced.
func (s *Server) Listen(address string) (net.Listener, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse listen address: %w", err)
	}
	switch u.Scheme {
	case "unix":
		path := u.Path
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create socket dir: %w", err)
		}
		if st, err := os.Lstat(path); err == nil {
			if st.Mode()&os.ModeSocket == 0 {
				return nil, fmt.Errorf("socket path exists and is not unix socket: %s", path)
			}
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("remove stale socket: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat socket path: %w", err)
		}
		ln, err := net.Listen("unix", path)
		if err != nil {
			return nil, fmt.Errorf("listen uds: %w", err)
		}
		if err := os.Chmod(path, 0o600); err != nil {
			ln.Close() //nolint:errcheck
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
		s.mu.Lock()
		s.socketPath = path
		s.mu.Unlock()
		return ln, nil
	case "tcp":
		ln, err := net.Listen("tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("listen tcp: %w", err)
		}
		return ln, nil
	default:
		return nil, fmt.Errorf("unsupported listen scheme %q", u.Scheme)
	}
}

// Serve runs until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.mu.Lock()
		socketPath := s.socketPath
		s.mu.Unlock()
		if socketPath != "" {
			if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) takeFailCheck() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failChecks <= 0 {
		return false
	}
	s.failChecks--
	return true
}

func (s *Server) rpcHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.writeError(w, http.StatusMethodNotAllowed, api.CodeBadRequest, "method not allowed")
		return
	}
	action := api.Action(strings.TrimPrefix(r.URL.Path, api.PathPrefix))
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, api.CodeBadRequest, "read request body")
		return
	}

	s.svc.mu.Lock()
	s.svc.calls[action]++
	drop := s.svc.dropNext > 0
	if drop {
		s.svc.dropNext--
	}
	s.svc.mu.Unlock()
	if drop {
		s.dropConnection(w)
		return
	}
	if action == api.ActionCheckState && s.takeFailCheck() {
		http.Error(w, "check state unavailable", http.StatusServiceUnavailable)
		return
	}

	result, err := s.dispatch(action, body)
	if err != nil {
		var re *rpcError
		if errors.As(err, &re) {
			s.writeError(w, http.StatusOK, re.code, re.message)
			return
		}
		s.log.Errorw("rpc failed", "action", action, "error", err)
		s.writeError(w, http.StatusInternalServerError, api.CodeBadRequest, err.Error())
		return
	}
	s.writeResult(w, result)
}

// dropConnection sends a truncated response and closes the socket.
func (s *Server) dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijack unsupported", http.StatusInternalServerError)
		return
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		return
	}
	_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: " + codec.ContentType + "\r\nContent-Length: 64\r\n\r\n\xa4")
	_ = buf.Flush()
	_ = conn.Close()
}

func (s *Server) dispatch(action api.Action, body []byte) (any, error) {
	switch action {
	case api.ActionCheckState:
		return s.svc.checkState(), nil
	case api.ActionStart:
		return s.svc.setStarted(true), nil
	case api.ActionStop:
		return s.svc.setStarted(false), nil
	case api.ActionGetRuleSet:
		return s.svc.getRuleSet()
	case api.ActionUpdateRules:
		var req api.RuleSetPayload
		if err := decodeRequest(body, &req); err != nil {
			return nil, err
		}
		return nil, s.svc.updateRules(req)
	case api.ActionDeleteRules:
		var req api.UUIDListRequest
		if err := decodeRequest(body, &req); err != nil {
			return nil, err
		}
		s.svc.deleteRules(req)
		return nil, nil
	case api.ActionEnableRules, api.ActionDisableRules:
		var req api.UUIDListRequest
		if err := decodeRequest(body, &req); err != nil {
			return nil, err
		}
		return nil, s.svc.setEnabled(req, action == api.ActionEnableRules)
	case api.ActionGetLogRecords:
		var req api.LogRecordsRequest
		if err := decodeRequest(body, &req); err != nil {
			return nil, err
		}
		return s.svc.logRecords(req), nil
	case api.ActionSetLogLevel:
		var req api.LogLevelPayload
		if err := decodeRequest(body, &req); err != nil {
			return nil, err
		}
		return nil, s.svc.setLogLevel(req)
	case api.ActionGetLogLevel:
		return s.svc.logLevel(), nil
	case api.ActionGetNetworkAdapters:
		return s.svc.networkAdapters()
	case api.ActionGetLicense:
		return s.svc.getLicense(), nil
	case api.ActionSetLicenseKey:
		var req api.LicenseKeyRequest
		if err := decodeRequest(body, &req); err != nil {
			return nil, err
		}
		return nil, s.svc.setLicenseKey(req)
	case api.ActionGetCertificate:
		return s.svc.certificate(false)
	case api.ActionRegenerateCertificate:
		return s.svc.certificate(true)
	default:
		return nil, &rpcError{code: api.CodeUnknownAction, message: "unknown action " + string(action)}
	}
}

func decodeRequest(body []byte, dst any) error {
	if len(body) == 0 {
		return nil
	}
	if err := codec.Unmarshal(body, dst); err != nil {
		return &rpcError{code: api.CodeBadRequest, message: "invalid request body"}
	}
	return nil
}

func (s *Server) writeResult(w http.ResponseWriter, result any) {
	resp := api.Response{SchemaVersion: api.SchemaVersion, OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, api.CodeBadRequest, "encode result")
			return
		}
		resp.Data = data
	}
	s.writeCBOR(w, http.StatusOK, resp)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeCBOR(w, status, api.Response{
		SchemaVersion: api.SchemaVersion,
		Error:         &api.APIError{Code: code, Message: msg},
	})
}

func (s *Server) writeCBOR(w http.ResponseWriter, status int, payload any) {
	data, err := codec.Marshal(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", codec.ContentType)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
