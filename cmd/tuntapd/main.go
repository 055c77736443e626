// Command tuntapd creates a TUN or TAP interface from configuration and
// either runs a WireGuard device over it or answers ARP and ping on it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/irctrakz/tuntap/pkg/capture"
	"github.com/irctrakz/tuntap/pkg/config"
	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/irctrakz/tuntap/pkg/logging"
	"github.com/irctrakz/tuntap/pkg/tuntap"
	wg "github.com/irctrakz/tuntap/pkg/wireguard"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "YAML or JSON config file")
	healthAddr := flag.String("health", "", "listen address for /health and /metrics (disabled when empty)")
	writeConfig := flag.String("write-config", "", "write the effective config to this file and exit")
	removePersistent := flag.String("remove", "", "delete a persistent interface by name and exit")
	flag.Parse()

	if *removePersistent != "" {
		if err := tuntap.RemovePersistent(*removePersistent); err != nil {
			log.Fatalf("remove %s: %v", *removePersistent, err)
		}
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		if err := config.LoadFromFile(*configPath, cfg); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		log.Fatalf("logging: %v", err)
	}

	if *writeConfig != "" {
		if err := cfg.SaveToFile(*writeConfig); err != nil {
			log.Fatalf("write config: %v", err)
		}
		return
	}

	if err := run(cfg, *healthAddr); err != nil {
		logging.Fatalf("tuntapd: %v", err)
	}
}

func run(cfg *config.Config, healthAddr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	active := cfg.WireGuard.Enabled || cfg.Responder.Enabled
	dev, err := tuntap.FromConfig(cfg.Device).NonBlocking(cfg.Device.NonBlocking || active).Build()
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	name, _ := dev.Name()
	dlog := logging.ForDevice(name, dev.Kind())

	src := metricsSource{device: dev}
	if cfg.Capture.File != "" {
		w, err := capture.Create(cfg.Capture.File, dev.Kind(), cfg.Capture.SnapLen)
		if err != nil {
			dev.Close()
			return fmt.Errorf("capture: %w", err)
		}
		defer w.Close()
		dev.SetCapture(w)
		src.capture = w
		dlog.WithField("file", cfg.Capture.File).Infof("Capturing frames")
	}

	g, ctx := errgroup.WithContext(ctx)
	shutdown := dev.Close

	switch {
	case cfg.WireGuard.Enabled:
		tun, err := wg.NewTun(dev)
		if err != nil {
			dev.Close()
			return err
		}
		h, err := wg.StartDevice(cfg.WireGuard, tun)
		if err != nil {
			tun.Close()
			return fmt.Errorf("wireguard start: %w", err)
		}
		src.tun, src.wgDev = tun, h
		// The WireGuard device closes tun, which closes dev.
		shutdown = h.Close
		g.Go(func() error {
			h.Monitor(ctx, cfg.Responder.MetricsInterval)
			return nil
		})
	case cfg.Responder.Enabled:
		r := newResponder(dev, ownAddrs(cfg.Device)...)
		src.responder = r
		g.Go(func() error { return r.run(ctx) })
	default:
		dlog.Infof("No traffic handler configured; holding the interface open")
	}

	g.Go(func() error {
		runMetricsReporter(ctx, src, cfg.Responder.MetricsInterval, cfg.Logging.JSON)
		return nil
	})
	if healthAddr != "" {
		srv := &http.Server{Addr: healthAddr, Handler: healthHandler(name, src)}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	<-ctx.Done()
	dlog.Infof("Shutting down")
	err = g.Wait()
	if cerr := shutdown(); cerr != nil && err == nil {
		err = cerr
	}
	logMetrics(collectMetrics(src, time.Now()), cfg.Logging.JSON)
	return err
}

// ownAddrs returns the interface addresses from cfg. Validate has already
// checked they parse.
func ownAddrs(cfg core.DeviceConfig) []netip.Addr {
	var out []netip.Addr
	for _, s := range []string{cfg.IPv4, cfg.IPv6} {
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p.Addr())
		}
	}
	return out
}

func healthHandler(name string, src metricsSource) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok " + name))
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(collectMetrics(src, time.Now())); err != nil {
			logging.WithFields(logrus.Fields{"device": name}).Warnf("metrics encode: %v", err)
		}
	})
	return mux
}
