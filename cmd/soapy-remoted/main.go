// Command soapy-remoted is the SoapyRemote control-plane daemon: it binds
// the RPC listener, starts the configured discovery responders, and serves
// Prometheus metrics, following the teacher's flag-parse/load-config/
// signal-wait shape in its own main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pothosware/soapyremote-go/internal/device"
	"github.com/pothosware/soapyremote-go/internal/metrics"
	"github.com/pothosware/soapyremote-go/server"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file (YAML); flags below override its values")
	bindNode := flag.String("bind", "", "Control listener address (\"\" picks :: then 0.0.0.0)")
	bindPort := flag.Int("port", 0, "Control listener TCP port (0 uses the default)")
	ssdp := flag.Bool("ssdp", true, "Enable the SSDP discovery responder")
	mdns := flag.Bool("mdns", true, "Enable the mDNS discovery responder")
	metricsAddr := flag.String("metrics-addr", "", "Address to serve /metrics on (\"\" disables the HTTP metrics server)")
	flag.Parse()

	cfg := server.Config{
		Bind:      server.BindConfig{Node: *bindNode, Port: *bindPort},
		Discovery: server.DiscoveryConfig{SSDP: *ssdp, MDNS: *mdns},
	}
	if *configFile != "" {
		loaded, err := server.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("soapy-remoted: load config %s: %v", *configFile, err)
		}
		cfg = *loaded
		if *bindNode != "" {
			cfg.Bind.Node = *bindNode
		}
		if *bindPort != 0 {
			cfg.Bind.Port = *bindPort
		}
	}

	registry := device.NewRegistry()
	registry.Register("null", device.NewNull)

	srv := server.New(cfg, registry)
	if err := srv.Start(); err != nil {
		log.Fatalf("soapy-remoted: start: %v", err)
	}
	log.Printf("soapy-remoted: listening, server id %s", srv.UUID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.Metrics().StartPushgatewayWorker(ctx, metrics.PushgatewayConfig{
		URL:      cfg.Prometheus.PushgatewayURL,
		Job:      cfg.Prometheus.Job,
		Instance: cfg.Prometheus.Instance,
		Username: cfg.Prometheus.Username,
		Password: cfg.Prometheus.Password,
		Interval: cfg.Prometheus.Interval,
	})

	var metricsSrv *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			log.Printf("soapy-remoted: metrics listening on %s", *metricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("soapy-remoted: metrics server error: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("soapy-remoted: shutting down")
	cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}
	if err := srv.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "soapy-remoted: stop: %v\n", err)
		os.Exit(1)
	}
}
