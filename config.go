package ingest

import (
	"bufio"
	"io"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultPollInterval = 50 * time.Millisecond
	defaultSessions     = 4
)

// Config drives sessions, their pool and the body parser.
type Config struct {
	IdleTimeout   time.Duration // per-request idle timeout, none when zero
	IsolateOnIdle bool          // retire the session after its first idle period
	PollInterval  time.Duration // accept/receive poll slice
	ChunkSize     int           // parser read size
	StorageDir    string        // overflow directory, fragments stay inline when empty
	AsyncIO       bool          // read TCP clients through a gaio watcher
	Sessions      int           // sessions kept by a pool

	Logger    *log.Logger
	LogFormat LogFormat
}

// DefaultConfig returns a config with every field set.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: defaultPollInterval,
		ChunkSize:    defaultChunkSize,
		Sessions:     defaultSessions,
		Logger:       log.New(os.Stderr, "ingest: ", log.LstdFlags),
		LogFormat:    DefaultLogFormat(),
	}
}

func (c *Config) normalize() *Config {
	if c == nil {
		return DefaultConfig()
	}
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.Sessions <= 0 {
		c.Sessions = d.Sessions
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.LogFormat.TimeLayout == "" {
		c.LogFormat.TimeLayout = d.LogFormat.TimeLayout
	}
	if c.LogFormat.LineSeparator == "" {
		c.LogFormat.LineSeparator = d.LogFormat.LineSeparator
	}
	return c
}

// ParseIdleTimeout parses a millisecond count with an optional "S" suffix
// requesting isolation after the first idle period, like "30000" or "500S".
func ParseIdleTimeout(s string) (time.Duration, bool, error) {
	s = strings.TrimSpace(s)
	isolate := false
	if strings.HasSuffix(s, "S") {
		isolate = true
		s = s[:len(s)-1]
	}
	if s == "" {
		return 0, isolate, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms < 0 {
		return 0, false, errors.Errorf("invalid idle timeout %q", s)
	}
	return time.Duration(ms) * time.Millisecond, isolate, nil
}

func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ParseConfig(file)
}

// Parse config data, one setting per line:
// # comment
// idle_timeout 30000S
// poll_interval 50
// chunk_size 65536
// storage_dir /var/tmp/ingest%20uploads
// async_io true
// sessions 8
func ParseConfig(reader io.Reader) (*Config, error) {
	config := DefaultConfig()
	bufferedReader := bufio.NewReader(reader)

	var lineNum int
	for {
		line, err := bufferedReader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		lineNum++
		eof := err == io.EOF

		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			if err := config.set(line); err != nil {
				return nil, errors.Errorf("config: line %d, data:%v, error: %v", lineNum, line, err)
			}
		}
		if eof {
			break
		}
	}
	return config, nil
}

func (c *Config) set(line string) error {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return errors.New("expecting key and value")
	}
	key, value := strings.ToLower(fields[0]), fields[1]
	switch key {
	case "idle_timeout":
		d, isolate, err := ParseIdleTimeout(value)
		if err != nil {
			return err
		}
		c.IdleTimeout, c.IsolateOnIdle = d, isolate
	case "poll_interval":
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return errors.Errorf("invalid poll interval %q", value)
		}
		c.PollInterval = time.Duration(ms) * time.Millisecond
	case "chunk_size":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return errors.Errorf("invalid chunk size %q", value)
		}
		c.ChunkSize = n
	case "storage_dir":
		dir, err := url.PathUnescape(value)
		if err != nil {
			return errors.Wrap(err, "storage dir")
		}
		c.StorageDir = dir
	case "async_io":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrap(err, "async io")
		}
		c.AsyncIO = b
	case "sessions":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return errors.Errorf("invalid session count %q", value)
		}
		c.Sessions = n
	default:
		return errors.Errorf("unknown key %q", key)
	}
	return nil
}
