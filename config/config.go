package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/Clouded-Sabre/udp-file-transfer/lib"
	"gopkg.in/yaml.v3"
)

const (
	ServerIP        = "0.0.0.0"
	ServerPort      = 9000
	ClientPortLower = 32768
	ClientPortUpper = 60999
)

// Duration is a time.Duration written as a Go duration string ("1s", "250ms").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

type SenderSection struct {
	ServerAddr           string   `yaml:"serverAddr"`
	LocalIP              string   `yaml:"localIP"`
	PortLower            int      `yaml:"portLower"`
	PortUpper            int      `yaml:"portUpper"`
	WindowCapacity       int      `yaml:"windowCapacity"`
	ChunkSize            int      `yaml:"chunkSize"`
	MetadataTimeout      Duration `yaml:"metadataTimeout"`
	MetadataRetries      int      `yaml:"metadataRetries"`
	AckPollTimeout       Duration `yaml:"ackPollTimeout"`
	RetransmitTimeout    Duration `yaml:"retransmitTimeout"`
	MaxRetransmits       int      `yaml:"maxRetransmits"`
	FinishTimeout        Duration `yaml:"finishTimeout"`
	FinishRetries        int      `yaml:"finishRetries"`
	RandomISN            bool     `yaml:"randomISN"`
	PayloadPoolSize      int      `yaml:"payloadPoolSize"`
	TOS                  int      `yaml:"tos"`
	PacketLostSimulation bool     `yaml:"packetLostSimulation"`
	DropRate             float64  `yaml:"dropRate"`
	TraceFile            string   `yaml:"traceFile"`
	Outbox               string   `yaml:"outbox"`
}

type ReceiverSection struct {
	ListenAddr           string   `yaml:"listenAddr"`
	StatusAddr           string   `yaml:"statusAddr"`
	PartialDir           string   `yaml:"partialDir"`
	DestinationDir       string   `yaml:"destinationDir"`
	ReadTimeout          Duration `yaml:"readTimeout"`
	SessionQueueLen      int      `yaml:"sessionQueueLen"`
	MaxGapPackets        int      `yaml:"maxGapPackets"`
	CompletedTTL         Duration `yaml:"completedTTL"`
	SessionIdleTimeout   Duration `yaml:"sessionIdleTimeout"`
	PayloadPoolSize      int      `yaml:"payloadPoolSize"`
	TOS                  int      `yaml:"tos"`
	PacketLostSimulation bool     `yaml:"packetLostSimulation"`
	DropRate             float64  `yaml:"dropRate"`
	TraceFile            string   `yaml:"traceFile"`
}

// Config is the content of config.yaml.
type Config struct {
	LogLevel  string          `yaml:"logLevel"`
	LogFormat string          `yaml:"logFormat"`
	Sender    SenderSection   `yaml:"sender"`
	Receiver  ReceiverSection `yaml:"receiver"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	s := lib.DefaultSenderConfig()
	r := lib.DefaultReceiverConfig()
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Sender: SenderSection{
			ServerAddr:        fmt.Sprintf("127.0.0.1:%d", ServerPort),
			PortLower:         ClientPortLower,
			PortUpper:         ClientPortUpper,
			WindowCapacity:    s.WindowCapacity,
			ChunkSize:         s.ChunkSize,
			MetadataTimeout:   Duration(s.MetadataTimeout),
			MetadataRetries:   s.MetadataRetries,
			AckPollTimeout:    Duration(s.AckPollTimeout),
			RetransmitTimeout: Duration(s.RetransmitTimeout),
			FinishTimeout:     Duration(s.FinishTimeout),
			FinishRetries:     s.FinishRetries,
			PayloadPoolSize:   s.PayloadPoolSize,
			DropRate:          s.DropRate,
		},
		Receiver: ReceiverSection{
			ListenAddr:         fmt.Sprintf("%s:%d", ServerIP, ServerPort),
			PartialDir:         r.PartialDir,
			DestinationDir:     r.DestinationDir,
			ReadTimeout:        Duration(r.ReadTimeout),
			SessionQueueLen:    r.SessionQueueLen,
			MaxGapPackets:      r.MaxGapPackets,
			CompletedTTL:       Duration(r.CompletedTTL),
			SessionIdleTimeout: Duration(r.SessionIdleTimeout),
			PayloadPoolSize:    r.PayloadPoolSize,
			DropRate:           r.DropRate,
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	config := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return config, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return config, nil
}

// Validate rejects values the protocol cannot work with.
func (c *Config) Validate() error {
	if c.Sender.ChunkSize > lib.MaxPayloadSize {
		return fmt.Errorf("sender.chunkSize %d exceeds %d", c.Sender.ChunkSize, lib.MaxPayloadSize)
	}
	if c.Sender.DropRate < 0 || c.Sender.DropRate > 1 {
		return fmt.Errorf("sender.dropRate %v is outside [0, 1]", c.Sender.DropRate)
	}
	if c.Receiver.DropRate < 0 || c.Receiver.DropRate > 1 {
		return fmt.Errorf("receiver.dropRate %v is outside [0, 1]", c.Receiver.DropRate)
	}
	if c.Sender.PortLower > c.Sender.PortUpper {
		return fmt.Errorf("sender.portLower %d is above sender.portUpper %d", c.Sender.PortLower, c.Sender.PortUpper)
	}
	return nil
}

// SenderConfig converts the sender section. A port range is turned into a
// port pool; a zero range leaves port selection to the OS.
func (c *Config) SenderConfig() (*lib.SenderConfig, error) {
	s := c.Sender
	sc := &lib.SenderConfig{
		WindowCapacity:       s.WindowCapacity,
		ChunkSize:            s.ChunkSize,
		MetadataTimeout:      time.Duration(s.MetadataTimeout),
		MetadataRetries:      s.MetadataRetries,
		AckPollTimeout:       time.Duration(s.AckPollTimeout),
		RetransmitTimeout:    time.Duration(s.RetransmitTimeout),
		MaxRetransmits:       s.MaxRetransmits,
		FinishTimeout:        time.Duration(s.FinishTimeout),
		FinishRetries:        s.FinishRetries,
		RandomISN:            s.RandomISN,
		PayloadPoolSize:      s.PayloadPoolSize,
		LocalIP:              s.LocalIP,
		TOS:                  s.TOS,
		PacketLostSimulation: s.PacketLostSimulation,
		DropRate:             s.DropRate,
		TraceFile:            s.TraceFile,
	}
	if s.PortLower > 0 && s.PortUpper > 0 {
		pool, err := lib.NewPortPool(s.PortLower, s.PortUpper)
		if err != nil {
			return nil, err
		}
		sc.PortPool = pool
	}
	return sc, nil
}

func (c *Config) ReceiverConfig() *lib.ReceiverConfig {
	r := c.Receiver
	return &lib.ReceiverConfig{
		PartialDir:           r.PartialDir,
		DestinationDir:       r.DestinationDir,
		ReadTimeout:          time.Duration(r.ReadTimeout),
		SessionQueueLen:      r.SessionQueueLen,
		MaxGapPackets:        r.MaxGapPackets,
		CompletedTTL:         time.Duration(r.CompletedTTL),
		SessionIdleTimeout:   time.Duration(r.SessionIdleTimeout),
		PayloadPoolSize:      r.PayloadPoolSize,
		TOS:                  r.TOS,
		PacketLostSimulation: r.PacketLostSimulation,
		DropRate:             r.DropRate,
		TraceFile:            r.TraceFile,
	}
}
