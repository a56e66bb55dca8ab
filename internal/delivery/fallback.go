package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"logshipper/internal/shipper"
	logx "logshipper/pkg/logx"
)

// ReservedChannel is the shipper's own channel. It cannot be a fallback.
const ReservedChannel = "shipper"

var ErrReservedChannel = errors.New("fallback channel cannot be the shipper channel")

// Record is what a fallback channel receives for an undeliverable event.
type Record struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Context map[string]any `json:"context"`
	Time    time.Time      `json:"datetime"`
}

// Sink is a last-resort destination outside the shipping pipeline.
type Sink interface {
	Write(ctx context.Context, r Record) error
}

// ChannelConfig describes one named channel.
type ChannelConfig struct {
	Driver   string // log | file | stderr | s3 | discard
	Path     string
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// OpenChannel builds the sink for a configured channel.
func OpenChannel(ctx context.Context, name string, cfg ChannelConfig, log logx.Logger) (Sink, error) {
	if strings.EqualFold(strings.TrimSpace(name), ReservedChannel) {
		return nil, ErrReservedChannel
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		return &logSink{log: log.With(logx.Internal(), logx.String("channel", name))}, nil
	case "file":
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			return nil, fmt.Errorf("channel %q: path is required for file driver", name)
		}
		return newFileSink(path)
	case "stderr":
		return &writerSink{w: os.Stderr}, nil
	case "s3":
		return newS3Sink(ctx, cfg)
	case "discard", "null":
		return discardSink{}, nil
	default:
		return nil, fmt.Errorf("channel %q: unknown driver %q", name, cfg.Driver)
	}
}

type discardSink struct{}

func (discardSink) Write(context.Context, Record) error { return nil }

// logSink writes through logx with the internal flag set, so the ship sink
// never forwards the record back into the pipeline.
type logSink struct{ log logx.Logger }

func (s *logSink) Write(_ context.Context, r Record) error {
	fields := make([]logx.Field, 0, len(r.Context))
	for k, v := range r.Context {
		fields = append(fields, logx.Any(k, v))
	}
	switch shipper.ParseLevel(r.Level, logx.LevelError) {
	case logx.LevelTrace, logx.LevelDebug:
		s.log.Debug(r.Message, fields...)
	case logx.LevelInfo:
		s.log.Info(r.Message, fields...)
	case logx.LevelWarn:
		s.log.Warn(r.Message, fields...)
	default:
		s.log.Error(r.Message, fields...)
	}
	return nil
}

// writerSink emits one JSON line per record.
type writerSink struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *writerSink) Write(_ context.Context, r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(b, '\n'))
	return err
}

type fileSink struct {
	writerSink
	f *os.File
}

func newFileSink(path string) (*fileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileSink{writerSink: writerSink{w: f}, f: f}, nil
}

func (s *fileSink) Close() error { return s.f.Close() }
