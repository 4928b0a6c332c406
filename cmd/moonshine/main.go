// Command moonshine is the self-hosted GameStream-protocol host: it serves
// the pairing/REST front end, the RTSP negotiator, and the UDP streaming
// data plane described by the Session Manager state machine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abhiaagarwal/moonshine-go/internal/clients"
	"github.com/abhiaagarwal/moonshine-go/internal/config"
	moonshinecrypto "github.com/abhiaagarwal/moonshine-go/internal/crypto"
	"github.com/abhiaagarwal/moonshine-go/internal/logging"
	"github.com/abhiaagarwal/moonshine-go/internal/mdns"
	"github.com/abhiaagarwal/moonshine-go/internal/pairing"
	"github.com/abhiaagarwal/moonshine-go/internal/rest"
	"github.com/abhiaagarwal/moonshine-go/internal/rtsp"
	"github.com/abhiaagarwal/moonshine-go/internal/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("moonshine", flag.ExitOnError)
	configPath := fs.String("config", "./config.toml", "path to config.toml")
	logFlags := logging.RegisterFlags(fs)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Self-hosted GameStream-protocol streaming host\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 1
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logger: %v\n", err)
		return 1
	}
	log, err := logging.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		return 1
	}
	defer log.Close()
	logging.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		return 1
	}
	log.Info("configuration loaded", "path", *configPath)

	registry, err := clients.New(cfg.StatePath, log.Logger)
	if err != nil {
		log.Error("failed to load client registry", "error", err)
		return 1
	}
	defer registry.Close()

	serverTLSCert, err := moonshinecrypto.LoadOrGenerate(cfg.TLS.CertPath, cfg.TLS.KeyPath)
	if err != nil {
		log.Error("failed to load or generate TLS identity", "error", err)
		return 1
	}
	serverCert, err := moonshinecrypto.GenerateSelfSigned()
	if err != nil {
		log.Error("failed to generate pairing server certificate", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	var manager *session.Manager
	factory := func() session.WorkerGroup {
		return newWorkerGroup(log.With("component", "workers").Logger, cfg, manager)
	}
	manager = session.New(log.With("component", "session").Logger, factory)

	pairHandler := pairing.NewHandler(
		log.With("component", "pairing").Logger,
		registry,
		serverCert,
		secondsToDuration(cfg.Pairing.PINTimeoutSeconds),
	)

	restServer := rest.New(log.With("component", "rest").Logger, registry, manager, pairHandler, rest.Config{
		Apps:       []rest.App{{ID: "1", Title: "Desktop"}},
		ServerCert: serverTLSCert,
	})

	rtspServer := rtsp.New(log.With("component", "rtsp").Logger, rtsp.Ports{
		Video:   cfg.Address.VideoPort,
		Audio:   cfg.Address.AudioPort,
		Control: cfg.Address.ControlPort,
	}, manager)

	mdnsAdvertiser := mdns.New(log.With("component", "mdns").Logger, mdns.Config{
		Hostname: "moonshine",
		Port:     cfg.Address.RESTPlainPort,
	})

	errCh := make(chan error, 4)
	go func() { errCh <- restServer.ServePlain(ctx, fmt.Sprintf(":%d", cfg.Address.RESTPlainPort)) }()
	go func() {
		errCh <- restServer.ServeTLS(ctx, fmt.Sprintf(":%d", cfg.Address.RESTTLSPort), serverTLSCert)
	}()
	go func() { errCh <- rtspServer.Serve(ctx, fmt.Sprintf(":%d", cfg.Address.RTSPPort)) }()
	go func() { errCh <- mdnsAdvertiser.Serve(ctx) }()

	log.Info("moonshine host ready",
		"rest_plain_port", cfg.Address.RESTPlainPort,
		"rest_tls_port", cfg.Address.RESTTLSPort,
		"rtsp_port", cfg.Address.RTSPPort,
	)

	exitCode := 0
	for i := 0; i < 4; i++ {
		if err := <-errCh; err != nil {
			log.Error("server exited with error", "error", err)
			exitCode = 2
			cancel()
		}
	}

	log.Info("moonshine host shut down")
	return exitCode
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
