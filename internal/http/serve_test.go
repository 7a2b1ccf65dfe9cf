package http_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/scttfrdmn/ringattn/internal/http"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServe(t *testing.T) {
	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())

	var mux http.ServeMux
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})

	done := make(chan error, 1)
	go func() { done <- Server{Address: addr, Handler: &mux}.Serve(ctx, testr.New(t)) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get("http://" + addr)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServeListenFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, Server{Address: l.Addr().String(), Handler: &http.ServeMux{}}.Serve(ctx, testr.New(t)))
}

func TestServeShutdownTimeout(t *testing.T) {
	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	var once sync.Once
	var mux http.ServeMux
	mux.HandleFunc("/", func(http.ResponseWriter, *http.Request) {
		once.Do(func() { close(entered) })
		<-release
	})

	done := make(chan error, 1)
	srv := Server{Address: addr, Handler: &mux, ShutdownTimeout: 50 * time.Millisecond}
	go func() { done <- srv.Serve(ctx, testr.New(t)) }()

	go func() {
		for {
			resp, err := http.Get("http://" + addr)
			if err == nil {
				resp.Body.Close()
				return
			}
			select {
			case <-entered:
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the handler")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrShutdownTimeout)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after the shutdown timeout")
	}
}
