package testutil

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/g960059/tunnelctl/internal/mockservice"
	"github.com/g960059/tunnelctl/internal/model"
)

// Service is a mock rule service listening on a loopback port.
type Service struct {
	*mockservice.Service
	Server *mockservice.Server
	URL    string
}

// Address is the service address in tcp:// form.
func (s *Service) Address() string {
	return "tcp://" + s.URL[len("http://"):]
}

func NewService(t *testing.T) *Service {
	t.Helper()
	svc := mockservice.New(mockservice.Options{
		Adapters: func() ([]model.NetworkAdapter, error) {
			return []model.NetworkAdapter{
				{Name: "lo", Addresses: []string{"127.0.0.1/8"}, Up: true},
				{Name: "eth0", Addresses: []string{"192.0.2.10/24"}, Up: true},
			}, nil
		},
	})
	srv := mockservice.NewServer(svc)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &Service{Service: svc, Server: srv, URL: ts.URL}
}

// WaitFor polls cond until it holds or timeout passes.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
