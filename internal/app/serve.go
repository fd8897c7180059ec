package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.trai.ch/tally/internal/adapters/wsfeed" //nolint:depguard // Wired in app layer
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Serve relays the store's change feed on addr until ctx ends. Metrics are served
// on /metrics, or on their own listener when metrics.listen is configured.
func (a *App) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "listen"), "addr", addr)
	}
	return a.ServeListener(ctx, lis)
}

// ServeListener is Serve on an open listener.
func (a *App) ServeListener(ctx context.Context, lis net.Listener) error {
	rt, err := a.runtime()
	if err != nil {
		_ = lis.Close()
		return err
	}

	metrics, hasMetrics := a.metrics.(http.Handler)

	mux := http.NewServeMux()
	mux.Handle(wsfeed.Path, wsfeed.NewServer(rt.store, a.logger))
	if hasMetrics && rt.cfg.Metrics.Listen == "" {
		mux.Handle("/metrics", metrics)
	}

	servers := []*http.Server{{Handler: mux, ReadHeaderTimeout: 10 * time.Second}}
	listeners := []net.Listener{lis}
	if hasMetrics && rt.cfg.Metrics.Listen != "" {
		mlis, err := net.Listen("tcp", rt.cfg.Metrics.Listen)
		if err != nil {
			_ = lis.Close()
			return zerr.With(zerr.Wrap(err, "listen for metrics"), "addr", rt.cfg.Metrics.Listen)
		}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics)
		servers = append(servers, &http.Server{Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second})
		listeners = append(listeners, mlis)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		lis := listeners[i]
		// Relayed feeds are hijacked connections; they end with ctx.
		srv.BaseContext = func(net.Listener) context.Context { return ctx }
		a.logger.Info(fmt.Sprintf("serving on %s", lis.Addr()))
		g.Go(func() error {
			if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return zerr.With(zerr.Wrap(err, "serve"), "addr", lis.Addr().String())
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		var errs error
		for _, srv := range servers {
			errs = errors.Join(errs, srv.Shutdown(shutdownCtx))
		}
		return errs
	})
	return g.Wait()
}
