package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/udp-file-transfer/config"
	"github.com/Clouded-Sabre/udp-file-transfer/lib"
)

var (
	configPath string
	serverAddr string
	localIP    string
	outboxDir  string
	logLevel   string
	traceFile  string
	randomISN  bool
	dropRate   float64
)

func init() {
	flag.StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	flag.StringVar(&serverAddr, "serveraddr", "", "receiver address (IP:Port)")
	flag.StringVar(&localIP, "sourceIP", "", "local source IP address")
	flag.StringVar(&outboxDir, "watch", "", "upload every file that appears in this directory")
	flag.StringVar(&logLevel, "loglevel", "", "log level: debug, info, warn or error")
	flag.StringVar(&traceFile, "trace", "", "write every datagram to this pcap file")
	flag.BoolVar(&randomISN, "random-isn", false, "start every upload at a random sequence number")
	flag.Float64Var(&dropRate, "droprate", 0, "simulate loss of this fraction of outgoing datagrams")
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options] file...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		slog.Error("configuration file error", "err", err)
		os.Exit(1)
	}
	applyFlags(cfg)
	lib.SetupLogging(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Sender.Outbox != "" {
		if err := watchOutbox(ctx, cfg); err != nil {
			slog.Error("watch mode stopped", "err", err)
			os.Exit(1)
		}
		return
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	failed := 0
	for _, path := range flag.Args() {
		result, err := uploadFile(ctx, cfg, path)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %s: %v\n", path, result.Outcome, err)
			continue
		}
		fmt.Printf("%s: %d bytes sent in %v (%d retransmissions)\n",
			path, result.TotalSize, result.Duration.Round(time.Millisecond), result.Retransmits)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "serveraddr":
			cfg.Sender.ServerAddr = serverAddr
		case "sourceIP":
			cfg.Sender.LocalIP = localIP
		case "watch":
			cfg.Sender.Outbox = outboxDir
		case "loglevel":
			cfg.LogLevel = logLevel
		case "trace":
			cfg.Sender.TraceFile = traceFile
		case "random-isn":
			cfg.Sender.RandomISN = randomISN
		case "droprate":
			cfg.Sender.PacketLostSimulation = dropRate > 0
			cfg.Sender.DropRate = dropRate
		}
	})
}

// uploadFile sends one file over a socket of its own.
func uploadFile(ctx context.Context, cfg *config.Config, path string) (*lib.UploadResult, error) {
	senderConfig, err := cfg.SenderConfig()
	if err != nil {
		return &lib.UploadResult{Outcome: lib.OutcomeNoResponse}, err
	}
	return upload(ctx, cfg.Sender.ServerAddr, senderConfig, path)
}

func upload(ctx context.Context, serverAddr string, senderConfig *lib.SenderConfig, path string) (*lib.UploadResult, error) {
	senderConfig.OnProgress = progressLogger(path)
	sender, err := lib.DialSender(serverAddr, senderConfig)
	if err != nil {
		return &lib.UploadResult{Outcome: lib.OutcomeNoResponse}, err
	}
	defer sender.Close()

	slog.Info("uploading", "file", path, "server", serverAddr, "local", sender.LocalAddr().String())
	return sender.Upload(ctx, path)
}

// progressLogger reports upload progress in steps of ten percent.
func progressLogger(path string) func(sent, total uint64) {
	lastStep := -1
	return func(sent, total uint64) {
		if total == 0 {
			return
		}
		step := int(sent * 10 / total)
		if step == lastStep {
			return
		}
		lastStep = step
		slog.Info("progress", "file", path, "sent", sent, "total", total, "percent", step*10)
	}
}
