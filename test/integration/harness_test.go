package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/dayline-lab/dayline/internal/client"
	"github.com/dayline-lab/dayline/internal/server"
	"github.com/dayline-lab/dayline/internal/store"
	"github.com/dayline-lab/dayline/internal/users"
	"github.com/dayline-lab/dayline/internal/worker"
)

type harnessOptions struct {
	windowSize int
	cachedDays int
	workers    int
	queueSize  int
}

func defaultHarnessOptions() harnessOptions {
	return harnessOptions{windowSize: 7, cachedDays: 3, workers: 4, queueSize: 64}
}

type harness struct {
	addr   string
	store  *store.Store
	pool   *worker.Pool
	cancel context.CancelFunc
	done   chan error
}

func startHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	dir := t.TempDir()
	st, err := store.New(opts.windowSize, opts.cachedDays, dir)
	require.NoError(t, err)

	directory, err := users.Open(filepath.Join(dir, "users.dat"))
	require.NoError(t, err)

	pool := worker.New(opts.workers, opts.queueSize)
	metrics := server.NewMetrics(prometheus.NewRegistry(), pool)
	srv := server.New("127.0.0.1:0", st, directory, pool, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	// Wait for the listener to bind.
	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("server did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h := &harness{
		addr:   srv.Addr().String(),
		store:  st,
		pool:   pool,
		cancel: cancel,
		done:   done,
	}
	t.Cleanup(func() { h.close(t) })
	return h
}

func (h *harness) close(t *testing.T) {
	t.Helper()

	h.cancel()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Log("server shutdown timed out")
	}

	// Closing the store releases workers still blocked in predicate waits.
	h.store.Close()
	h.pool.Stop()
}

// dial connects a client and registers its cleanup.
func (h *harness) dial(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.Dial(h.addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// login registers (ignoring "already exists") and logs in.
func login(t *testing.T, c *client.Client, username, password string) {
	t.Helper()
	if err := c.Register(username, password); err != nil {
		var srvErr *client.ServerError
		require.ErrorAs(t, err, &srvErr)
	}
	require.NoError(t, c.Login(username, password))
}
