package tessitura

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	Tp "github.com/maroda/tessitura/plugin"
	Tt "github.com/maroda/tessitura/types"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// TransportMode selects the byte source
type TransportMode string

const (
	ModeSerial    TransportMode = "line-serial"
	ModeStream    TransportMode = "reliable-stream"
	ModeDatagram  TransportMode = "datagram"
	ModeSynthetic TransportMode = "synthetic"
)

// FrameFormat selects the frame decoder
type FrameFormat string

const (
	FormatTextArray  FrameFormat = "text-array"
	FormatDelimited  FrameFormat = "delimited-text"
	FormatFixedWidth FrameFormat = "fixed-width"
	FormatBitExpand  FrameFormat = "bit-expansion"
)

type TransportConfig struct {
	Mode    TransportMode `json:"mode" yaml:"mode" env:"MODE, overwrite"`
	Device  string        `json:"device" yaml:"device" env:"DEVICE, overwrite"` // serial device path
	Host    string        `json:"host" yaml:"host" env:"HOST, overwrite"`
	Port    int           `json:"port" yaml:"port" env:"PORT, overwrite"`
	Baud    int           `json:"baud" yaml:"baud" env:"BAUD, overwrite"`
	Timeout float64       `json:"timeout" yaml:"timeout" env:"TIMEOUT, overwrite"` // seconds per read
}

// ReadTimeout is the per-read timeout as a Duration
func (tc TransportConfig) ReadTimeout() time.Duration {
	return time.Duration(tc.Timeout * float64(time.Second))
}

// Address is host:port for the network transports
func (tc TransportConfig) Address() string {
	return fmt.Sprintf("%s:%d", tc.Host, tc.Port)
}

type EncodingConfig struct {
	Format       FrameFormat `json:"format" yaml:"format" env:"FORMAT, overwrite"`
	ChannelCount int         `json:"channel_count" yaml:"channel_count" env:"CHANNEL_COUNT, overwrite"`
	SampleWidth  int         `json:"sample_width" yaml:"sample_width"`
	Endianness   string      `json:"endianness" yaml:"endianness"`
	Separator    string      `json:"separator" yaml:"separator"`
}

type LoggingConfig struct {
	Autostart  bool         `json:"autostart" yaml:"autostart"`
	Format     Tt.LogFormat `json:"format" yaml:"format" env:"FORMAT, overwrite"`
	Path       string       `json:"path" yaml:"path" env:"PATH, overwrite"`
	Dir        string       `json:"dir" yaml:"dir"`
	BufferSize int          `json:"buffer_size" yaml:"buffer_size"`
	Parameters []string     `json:"parameters" yaml:"parameters"`
}

type ArchiveConfig struct {
	Path      string `json:"path" yaml:"path" env:"PATH, overwrite"` // empty disables the archive
	BatchSize int    `json:"batch_size" yaml:"batch_size"`
}

type MQTTConfig struct {
	Broker      string `json:"broker" yaml:"broker" env:"BROKER, overwrite"` // empty disables alarm publishing
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
}

type HTTPConfig struct {
	Addr      string  `json:"addr" yaml:"addr" env:"ADDR, overwrite"`
	FrameRate float64 `json:"frame_rate" yaml:"frame_rate"` // Consumer Context ticks per second
}

// ParameterConfig is a Parameter as it appears on disk, with its filter chain
type ParameterConfig struct {
	Parameter `yaml:",inline"`
	Filters   []Tp.FilterConfig `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// Config is the whole configuration record for one session
type Config struct {
	Transport   TransportConfig   `json:"transport" yaml:"transport" env:", prefix=TRANSPORT_"`
	Encoding    EncodingConfig    `json:"encoding" yaml:"encoding" env:", prefix=ENCODING_"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging" env:", prefix=LOG_"`
	Archive     ArchiveConfig     `json:"archive" yaml:"archive" env:", prefix=ARCHIVE_"`
	MQTT        MQTTConfig        `json:"mqtt" yaml:"mqtt" env:", prefix=MQTT_"`
	HTTP        HTTPConfig        `json:"http" yaml:"http" env:", prefix=HTTP_"`
	HistorySize int               `json:"history_size" yaml:"history_size" env:"HISTORY_SIZE, overwrite"`
	Parameters  []ParameterConfig `json:"parameters" yaml:"parameters"`
}

// DefaultConfig is a synthetic source with nothing configured
func DefaultConfig() Config {
	return Config{
		Transport: TransportConfig{
			Mode:    ModeSynthetic,
			Host:    "127.0.0.1",
			Port:    5760,
			Baud:    115200,
			Timeout: 1.0,
		},
		Encoding: EncodingConfig{
			Format:       FormatTextArray,
			ChannelCount: 8,
			SampleWidth:  2,
			Endianness:   "little",
			Separator:    ",",
		},
		Logging: LoggingConfig{
			Format:     Tt.LogCSV,
			Dir:        "logs",
			BufferSize: 100,
		},
		Archive: ArchiveConfig{
			BatchSize: 100,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "tessitura",
		},
		HTTP: HTTPConfig{
			Addr:      ":8090",
			FrameRate: 30,
		},
		HistorySize: DefaultHistorySize,
	}
}

// LoadConfigFileName pulls a given filename config off local disk
// Validation is performed on the file before opening
func LoadConfigFileName(filename string) (Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()

	// validation
	err = validateLoad(file)
	if err != nil {
		slog.Error("Validation failed", slog.Any("Error", err))
		return Config{}, err
	}

	ext := strings.ToLower(filepath.Ext(filename))
	return LoadConfig(file, ext == ".yaml" || ext == ".yml")
}

func validateLoad(file *os.File) error {
	// validate file
	info, err := file.Stat()
	if err != nil {
		slog.Error("could not stat file")
		return err
	}

	// validate size
	if info.Size() == 0 {
		slog.Error("file is empty")
		return errors.New("file is empty")
	}

	return nil
}

// LoadConfig decodes over DefaultConfig, so omitted keys keep their defaults
func LoadConfig(r io.Reader, isYAML bool) (Config, error) {
	config := DefaultConfig()

	if isYAML {
		if err := yaml.NewDecoder(r).Decode(&config); err != nil {
			slog.Error("could not decode yaml file")
			return Config{}, fmt.Errorf("decode yaml: %w", err)
		}
	} else {
		decoder := json.NewDecoder(r)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&config); err != nil {
			slog.Error("could not decode file")
			return Config{}, fmt.Errorf("decode json: %w", err)
		}
	}

	return config, nil
}

// ApplyEnv overrides config values from TESSITURA_* variables
func ApplyEnv(ctx context.Context, c *Config, l envconfig.Lookuper) error {
	if l == nil {
		l = envconfig.OsLookuper()
	}
	return envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   c,
		Lookuper: envconfig.PrefixLookuper("TESSITURA_", l),
	})
}

// Normalize fills in what the chosen modes imply
func (c *Config) Normalize() {
	if c.Transport.Mode == ModeSynthetic && c.Encoding.Format != FormatTextArray {
		slog.Info("Synthetic source emits text-array frames, overriding encoding",
			slog.String("format", string(c.Encoding.Format)))
		c.Encoding.Format = FormatTextArray
	}
	if c.Encoding.Separator == "" {
		c.Encoding.Separator = ","
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

// Validate rejects anything the session could not start with
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	switch c.Transport.Mode {
	case ModeSerial:
		if c.Transport.Device == "" {
			return invalid("line-serial needs a device")
		}
		if c.Transport.Baud < 9600 || c.Transport.Baud > 1_000_000 {
			return invalid("baud %d outside 9600..1000000", c.Transport.Baud)
		}
	case ModeStream, ModeDatagram:
		if c.Transport.Port <= 0 || c.Transport.Port > 65535 {
			return invalid("port %d out of range", c.Transport.Port)
		}
	case ModeSynthetic:
	default:
		return invalid("unknown transport mode %q", c.Transport.Mode)
	}
	if c.Transport.Timeout <= 0 {
		return invalid("timeout must be positive")
	}

	switch c.Encoding.Format {
	case FormatTextArray, FormatDelimited, FormatFixedWidth, FormatBitExpand:
	default:
		return invalid("unknown encoding format %q", c.Encoding.Format)
	}
	if c.Encoding.ChannelCount <= 0 {
		return invalid("channel_count must be positive")
	}
	switch c.Encoding.SampleWidth {
	case 1, 2, 4, 8:
	default:
		return invalid("sample_width %d not one of 1, 2, 4, 8", c.Encoding.SampleWidth)
	}
	if c.Encoding.Endianness != "little" && c.Encoding.Endianness != "big" {
		return invalid("endianness %q not little or big", c.Encoding.Endianness)
	}

	if c.Logging.Format != Tt.LogCSV && c.Logging.Format != Tt.LogJSONL {
		return invalid("unknown log format %q", c.Logging.Format)
	}
	if c.Logging.BufferSize <= 0 {
		return invalid("buffer_size must be positive")
	}
	if c.HistorySize <= 0 {
		return invalid("history_size must be positive")
	}
	if c.Archive.Path != "" && c.Archive.BatchSize <= 0 {
		return invalid("archive batch_size must be positive")
	}
	if c.HTTP.FrameRate <= 0 {
		return invalid("frame_rate must be positive")
	}

	return nil
}

// DecoderConfig extracts what the frame decoder needs
func (c *Config) DecoderConfig() DecoderConfig {
	return DecoderConfig{
		Format:       c.Encoding.Format,
		ChannelCount: c.Encoding.ChannelCount,
		SampleWidth:  c.Encoding.SampleWidth,
		BigEndian:    c.Encoding.Endianness == "big",
		Separator:    c.Encoding.Separator,
	}
}

// LogConfig extracts the data logger settings
func (c *Config) LogConfig() LogConfig {
	return LogConfig{
		Format:     c.Logging.Format,
		Path:       c.Logging.Path,
		Dir:        c.Logging.Dir,
		BufferSize: c.Logging.BufferSize,
		Parameters: c.Logging.Parameters,
	}
}
