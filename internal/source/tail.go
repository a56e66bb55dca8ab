// Package source feeds external log files into the intake.
package source

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/hpcloud/tail"

	"logshipper/internal/shipper"
	logx "logshipper/pkg/logx"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

// Handler receives parsed events. intake.Service satisfies it.
type Handler interface {
	Handle(ctx context.Context, ev shipper.Event) error
}

type TailConfig struct {
	Path      string
	Channel   string
	Level     string // default level for lines that carry none
	Format    string
	FromStart bool
	Poll      bool
}

// Tail follows one file and hands every line to the handler.
type Tail struct {
	cfg  TailConfig
	h    Handler
	log  logx.Logger
	lvl  logx.Level
	open func(path string, cfg tail.Config) (*tail.Tail, error)
}

func NewTail(cfg TailConfig, h Handler, log logx.Logger) *Tail {
	cfg.Format = strings.ToLower(strings.TrimSpace(cfg.Format))
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	if cfg.Channel == "" {
		cfg.Channel = "tail"
	}
	return &Tail{
		cfg:  cfg,
		h:    h,
		log:  log.With(logx.Internal(), logx.String("component", "tail"), logx.String("path", cfg.Path)),
		lvl:  shipper.ParseLevel(cfg.Level, logx.LevelError),
		open: tail.TailFile,
	}
}

func (t *Tail) Name() string { return "tail:" + t.cfg.Path }

// Run follows the file until ctx is done. It is meant for a restarting
// supervisor goroutine.
func (t *Tail) Run(ctx context.Context) error {
	whence := io.SeekEnd
	if t.cfg.FromStart {
		whence = io.SeekStart
	}
	tf, err := t.open(t.cfg.Path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      t.cfg.Poll,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("tail %s: %w", t.cfg.Path, err)
	}
	defer tf.Cleanup()
	defer func() { _ = tf.Stop() }()

	t.log.Info("tail.started", logx.String("format", t.cfg.Format))
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-tf.Lines:
			if !ok {
				return tf.Err()
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				t.log.Debug("tail.read_failed", logx.Err(line.Err))
				continue
			}
			ev, ok := t.parse(line.Text, line.Time)
			if !ok {
				continue
			}
			if err := t.h.Handle(ctx, ev); err != nil {
				t.log.Debug("tail.handle_failed", logx.Err(err))
			}
		}
	}
}

var (
	levelKeys   = []string{"level", "lvl", "severity", "level_name"}
	messageKeys = []string{"message", "msg"}
	timeKeys    = []string{"time", "timestamp", "datetime", "ts"}
)

// parse turns one line into an event. Blank lines are ignored. JSON lines
// that fail to decode are shipped as text.
func (t *Tail) parse(text string, at time.Time) (shipper.Event, bool) {
	text = strings.TrimRight(text, "\r")
	if strings.TrimSpace(text) == "" {
		return shipper.Event{}, false
	}
	if at.IsZero() {
		at = time.Now()
	}
	ev := shipper.Event{Level: t.lvl, Message: text, Channel: t.cfg.Channel, Time: at, Context: map[string]any{}}
	if t.cfg.Format != FormatJSON {
		return ev, true
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil || obj == nil {
		return ev, true
	}
	if s, ok := take(obj, levelKeys); ok {
		ev.Level = shipper.ParseLevel(s, t.lvl)
	}
	if s, ok := take(obj, messageKeys); ok {
		ev.Message = s
	}
	if s, ok := take(obj, timeKeys); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			ev.Time = ts
		}
	}
	if s, ok := obj["channel"].(string); ok && s != "" {
		ev.Channel = s
		delete(obj, "channel")
	}
	if ctx, ok := obj["context"].(map[string]any); ok {
		delete(obj, "context")
		for k, v := range ctx {
			obj[k] = v
		}
	}
	ev.Context = obj
	return ev, true
}

func take(obj map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		delete(obj, k)
		return s, true
	}
	return "", false
}
