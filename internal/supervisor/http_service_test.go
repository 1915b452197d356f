package supervisor

import (
	"context"
	"net/http"
	"testing"
	"time"
)

type fakeHTTPServer struct {
	listenErr  error
	shutdownCh chan struct{}
}

func (f *fakeHTTPServer) ListenAndServe() error {
	<-f.shutdownCh
	return http.ErrServerClosed
}

func (f *fakeHTTPServer) Shutdown(ctx context.Context) error {
	close(f.shutdownCh)
	return nil
}

func TestHTTPServiceStopsGracefullyOnCancel(t *testing.T) {
	fake := &fakeHTTPServer{shutdownCh: make(chan struct{})}
	svc := NewHTTPService("test-http", fake, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestHTTPServiceName(t *testing.T) {
	svc := NewHTTPService("stats-http", &fakeHTTPServer{shutdownCh: make(chan struct{})}, time.Second)
	if svc.String() != "stats-http" {
		t.Fatalf("unexpected service name: %s", svc.String())
	}
}
