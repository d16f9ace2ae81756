package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Clouded-Sabre/udp-file-transfer/config"
	"github.com/Clouded-Sabre/udp-file-transfer/lib"
)

var (
	configPath string
	listenAddr string
	statusAddr string
	destDir    string
	partialDir string
	logLevel   string
	traceFile  string
)

func init() {
	flag.StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	flag.StringVar(&listenAddr, "listen", "", "UDP address to receive files on (IP:Port)")
	flag.StringVar(&statusAddr, "status", "", "HTTP address of the status endpoint, empty disables it")
	flag.StringVar(&destDir, "dest", "", "directory completed files are stored in")
	flag.StringVar(&partialDir, "partial", "", "directory for in-progress transfers")
	flag.StringVar(&logLevel, "loglevel", "", "log level: debug, info, warn or error")
	flag.StringVar(&traceFile, "trace", "", "write every datagram to this pcap file")
}

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		slog.Error("configuration file error", "err", err)
		os.Exit(1)
	}
	applyFlags(cfg)
	lib.SetupLogging(cfg.LogLevel, cfg.LogFormat)

	receiverConfig := cfg.ReceiverConfig()
	receiver, err := lib.ListenReceiver(cfg.Receiver.ListenAddr, receiverConfig)
	if err != nil {
		slog.Error("cannot start receiver", "addr", cfg.Receiver.ListenAddr, "err", err)
		os.Exit(1)
	}
	if udpAddr, ok := receiver.LocalAddr().(*net.UDPAddr); ok {
		lib.RegisterUDPPort(udpAddr.Port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Receiver.StatusAddr != "" {
		status := newStatusServer(cfg.Receiver.StatusAddr, receiver)
		go status.run()
		defer status.shutdown()
	}

	if err := receiver.Serve(ctx); err != nil {
		slog.Error("receiver stopped", "err", err)
		receiver.Close()
		os.Exit(1)
	}
	slog.Info("shutting down")
	receiver.Close()
}

// applyFlags lets explicitly set flags override the configuration file.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Receiver.ListenAddr = listenAddr
		case "status":
			cfg.Receiver.StatusAddr = statusAddr
		case "dest":
			cfg.Receiver.DestinationDir = destDir
		case "partial":
			cfg.Receiver.PartialDir = partialDir
		case "loglevel":
			cfg.LogLevel = logLevel
		case "trace":
			cfg.Receiver.TraceFile = traceFile
		}
	})
	if cfg.Receiver.ListenAddr == "" {
		cfg.Receiver.ListenAddr = net.JoinHostPort(config.ServerIP, strconv.Itoa(config.ServerPort))
	}
}
