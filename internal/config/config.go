package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/excport/internal/journal"
	"github.com/danmuck/excport/internal/mach"
	"github.com/danmuck/excport/internal/msgserver"
)

var ErrInvalid = errors.New("config: invalid")

// fileConfig is the config.toml key mapping. Durations are Go duration strings.
type fileConfig struct {
	Name           string   `toml:"name"`
	Target         string   `toml:"target"`
	Mask           []string `toml:"mask"`
	ListenTimeout  string   `toml:"listen_timeout"`
	SendTimeout    string   `toml:"send_timeout"`
	MaxMessageSize int      `toml:"max_message_size"`
	LargeMessages  bool     `toml:"large_messages"`
	Reply          string   `toml:"reply"`
	StopAfter      int      `toml:"stop_after"`
	AdminAddr      string   `toml:"admin_addr"`
	CorsOrigins    []string `toml:"cors_origins"`
	JournalLimit   int      `toml:"journal_limit"`
}

type TargetKind string

const (
	TargetSelf   TargetKind = "self"
	TargetThread TargetKind = "thread"
	TargetPID    TargetKind = "pid"
)

// TargetSpec selects whose exception ports are redirected: the calling
// task, the calling thread, or another task by pid.
type TargetSpec struct {
	Kind TargetKind
	PID  int
}

func (t TargetSpec) String() string {
	if t.Kind == TargetPID {
		return "pid:" + strconv.Itoa(t.PID)
	}
	return string(t.Kind)
}

func ParseTarget(raw string) (TargetSpec, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch {
	case raw == "" || raw == string(TargetSelf):
		return TargetSpec{Kind: TargetSelf}, nil
	case raw == string(TargetThread):
		return TargetSpec{Kind: TargetThread}, nil
	case strings.HasPrefix(raw, "pid:"):
		pid, err := strconv.Atoi(strings.TrimPrefix(raw, "pid:"))
		if err != nil || pid <= 0 {
			return TargetSpec{}, fmt.Errorf("%w: target %q needs a positive pid", ErrInvalid, raw)
		}
		return TargetSpec{Kind: TargetPID, PID: pid}, nil
	default:
		return TargetSpec{}, fmt.Errorf("%w: target %q (expected self, thread or pid:<n>)", ErrInvalid, raw)
	}
}

const (
	ReplySuccess = "success"
	ReplyFailure = "failure"
)

// Config is the resolved excwatch runtime configuration.
type Config struct {
	Name           string
	Target         TargetSpec
	Mask           mach.Mask
	ListenTimeout  time.Duration
	SendTimeout    time.Duration
	MaxMessageSize int
	LargeMessages  bool
	// Reply is success to resume the faulting thread or failure to let the
	// exception continue to the next handler.
	Reply        string
	StopAfter    int
	AdminAddr    string
	CorsOrigins  []string
	JournalLimit int
}

func Default() Config {
	return Config{
		Name:           "excwatch",
		Target:         TargetSpec{Kind: TargetSelf},
		Mask:           mach.MaskOf(mach.ExcBadAccess, mach.ExcBadInstruction, mach.ExcArithmetic),
		ListenTimeout:  5 * time.Second,
		SendTimeout:    0,
		MaxMessageSize: msgserver.DefaultMaxSize,
		LargeMessages:  true,
		Reply:          ReplySuccess,
		StopAfter:      0,
		AdminAddr:      "127.0.0.1:9180",
		CorsOrigins:    []string{"http://localhost:3000"},
		JournalLimit:   journal.DefaultLimit,
	}
}

// Load overlays the keys defined in path onto Default and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("target") {
		if cfg.Target, err = ParseTarget(raw.Target); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("mask") {
		if cfg.Mask, err = mach.ParseMask(trimAll(raw.Mask)); err != nil {
			return Config{}, fmt.Errorf("%w: mask: %w", ErrInvalid, err)
		}
	}
	if meta.IsDefined("listen_timeout") {
		if cfg.ListenTimeout, err = parseDuration("listen_timeout", raw.ListenTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("send_timeout") {
		if cfg.SendTimeout, err = parseDuration("send_timeout", raw.SendTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("max_message_size") {
		cfg.MaxMessageSize = raw.MaxMessageSize
	}
	if meta.IsDefined("large_messages") {
		cfg.LargeMessages = raw.LargeMessages
	}
	if meta.IsDefined("reply") {
		cfg.Reply = strings.ToLower(strings.TrimSpace(raw.Reply))
	}
	if meta.IsDefined("stop_after") {
		cfg.StopAfter = raw.StopAfter
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = trimAll(raw.CorsOrigins)
	}
	if meta.IsDefined("journal_limit") {
		cfg.JournalLimit = raw.JournalLimit
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalid)
	}
	if err := cfg.Mask.Validate(); err != nil {
		return fmt.Errorf("%w: mask: %w", ErrInvalid, err)
	}
	if cfg.ListenTimeout <= 0 {
		return fmt.Errorf("%w: listen_timeout must be positive", ErrInvalid)
	}
	if cfg.SendTimeout < 0 {
		return fmt.Errorf("%w: send_timeout must not be negative", ErrInvalid)
	}
	if cfg.MaxMessageSize < 256 {
		return fmt.Errorf("%w: max_message_size %d below 256", ErrInvalid, cfg.MaxMessageSize)
	}
	if cfg.Reply != ReplySuccess && cfg.Reply != ReplyFailure {
		return fmt.Errorf("%w: reply %q (expected %s or %s)", ErrInvalid, cfg.Reply, ReplySuccess, ReplyFailure)
	}
	if cfg.StopAfter < 0 {
		return fmt.Errorf("%w: stop_after must not be negative", ErrInvalid)
	}
	if cfg.JournalLimit <= 0 {
		return fmt.Errorf("%w: journal_limit must be positive", ErrInvalid)
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalid, key, err)
	}
	return d, nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
