package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/example/fuzzysearch/internal/grpcclient"
	"github.com/example/fuzzysearch/pkg/fuzzysearch"
)

func TestServerGracefulShutdown(t *testing.T) {
	logger := zap.NewNop()

	requestStarted := make(chan struct{})
	releaseRequest := make(chan struct{})
	defer func() {
		select {
		case <-releaseRequest:
		default:
			close(releaseRequest)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/lookup/hashes", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-requestStarted:
		default:
			close(requestStarted)
		}
		<-releaseRequest
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	t.Log("creating listener")
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: mux}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	t.Logf("listening on %s", addr)
	waitForServer(t, addr)

	client := &http.Client{Timeout: 2 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		t.Log("sending request")
		resp, err := client.Get("http://" + addr + "/lookup/hashes?hashes=1")
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-requestStarted:
		t.Log("request started")
	case <-time.After(2 * time.Second):
		t.Fatal("request did not start in time")
	}

	t.Log("sending signal")
	signalCh <- syscall.SIGTERM

	time.Sleep(50 * time.Millisecond)
	close(releaseRequest)
	t.Log("released request")

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(body))
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
		t.Log("server shutdown complete")
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func TestStartGRPCServerDisabledWithoutAddr(t *testing.T) {
	server, err := startGRPCServer("", grpcMessageLimit(1<<20), zap.NewNop())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if server != nil {
		t.Fatal("expected no server when the address is empty")
	}
}

func TestStartGRPCServerListens(t *testing.T) {
	server, err := startGRPCServer("127.0.0.1:0", grpcMessageLimit(1<<20), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to start gRPC server: %v", err)
	}
	defer server.Stop()

	if _, ok := server.GetServiceInfo()["fuzzysearch.v1.Hasher"]; !ok {
		t.Fatalf("hasher service not registered: %v", server.GetServiceInfo())
	}
}

func TestGRPCMessageLimit(t *testing.T) {
	if got := grpcMessageLimit(10 << 20); got != 10<<20+grpcMessageOverhead {
		t.Fatalf("unexpected limit %d", got)
	}
	if got := grpcMessageLimit(math.MaxInt64 - grpcMessageOverhead); got != math.MaxInt32 {
		t.Fatalf("expected limit clamped to MaxInt32, got %d", got)
	}
}

func TestGRPCServerAcceptsUploadsAboveDefaultLimit(t *testing.T) {
	const maxUpload = 20 << 20

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	server, err := startGRPCServer(addr, grpcMessageLimit(maxUpload), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to start gRPC server: %v", err)
	}
	defer server.Stop()

	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Not an image, so a message that gets through comes back as a decode
	// failure rather than a size rejection.
	payload := bytes.Repeat([]byte("x"), 17<<20)
	_, err = grpcclient.NewRemoteHasher(conn, zap.NewNop()).Hash(ctx, payload)

	var decodeErr *fuzzysearch.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected the server to read the full message and report DecodeError, got %v", err)
	}
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}
