// serve.go boots the optional listeners some commands carry: the websocket
// event mirror behind --ws-listen and the Prometheus endpoint behind
// --metrics-listen.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"github.com/kubekattle/kred/internal/eventstream"
)

// startEventServer boots the websocket mirror and surfaces early failures to
// the caller. A nil server is a no-op so callers can pass one through
// unconditionally.
func startEventServer(ctx context.Context, srv *eventstream.Server, label string, logger logr.Logger, errOut io.Writer) error {
	if srv == nil {
		return nil
	}
	return startListener(ctx, label, logger, errOut, srv.Run)
}

// startMetricsServer serves the given handler on /metrics (plus a /healthz
// probe) until the context ends.
func startMetricsServer(ctx context.Context, addr string, handler http.Handler, logger logr.Logger, errOut io.Writer) error {
	if addr == "" {
		return nil
	}
	run := func(ctx context.Context) error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		server := &http.Server{Addr: addr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
	return startListener(ctx, "metrics endpoint", logger, errOut, run)
}

// startListener runs the listener on its own goroutine, waiting briefly so
// bind failures reach the caller instead of being lost in the background.
func startListener(ctx context.Context, label string, logger logr.Logger, errOut io.Writer, run func(context.Context) error) error {
	errCh := make(chan error, 1)
	go func() {
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			if errOut != nil {
				fmt.Fprintf(errOut, "%s failed: %v\n", label, err)
			}
			return err
		}
	case <-time.After(250 * time.Millisecond):
		// Listener is up; monitor for later failures.
		go func() {
			for err := range errCh {
				if err == nil {
					continue
				}
				if logger.GetSink() != nil {
					logger.Error(err, fmt.Sprintf("%s exited", label))
				}
				if errOut != nil {
					fmt.Fprintf(errOut, "%s exited: %v\n", label, err)
				}
			}
		}()
	}

	return nil
}
