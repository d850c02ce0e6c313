// Package config loads the engine configuration from a YAML file, with
// ${VAR} expansion from the environment and any .env file, and overlays
// command line arguments on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	esbadger "github.com/fiatjaf/eventstore/badger"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Hubmakerlabs/feedr/pkg/connection"
	"github.com/Hubmakerlabs/feedr/pkg/durable"
	"github.com/Hubmakerlabs/feedr/pkg/durable/badger"
	"github.com/Hubmakerlabs/feedr/pkg/durable/eventstore"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/keys"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kinds"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/normalize"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
	"github.com/Hubmakerlabs/feedr/pkg/system"
)

var log, chk = slog.New(os.Stderr)

// Durable backends.
const (
	BackendBadger     = "badger"
	BackendEventstore = "eventstore"
	BackendMemory     = "memory"
)

// NoGrace is the engine grace for query_grace: 0, removing a query as soon
// as its last observer leaves.
const NoGrace time.Duration = -1

// Relay is one configured relay.
type Relay struct {
	URL   string `yaml:"url" json:"url"`
	Read  bool   `yaml:"read" json:"read"`
	Write bool   `yaml:"write" json:"write"`
}

func (r Relay) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.URL, validation.Required, validation.By(relayURL)),
	)
}

func relayURL(v any) (err error) {
	s, _ := v.(string)
	if _, err = normalize.Relay(s); err != nil {
		return fmt.Errorf("'%s' is not a relay address", s)
	}
	return
}

func secretKey(v any) error {
	s, _ := v.(string)
	if !keys.IsValid32ByteHex(s) {
		return errors.New("must be 64 hex characters")
	}
	return nil
}

// T is the engine configuration.
type T struct {
	Relays          []Relay       `yaml:"relays" json:"relays"`
	DataDir         string        `yaml:"data_dir" json:"data_dir"`
	Durable         string        `yaml:"durable" json:"durable"`
	FlushInterval   time.Duration `yaml:"flush_interval" json:"flush_interval"`
	HydrateInterval time.Duration `yaml:"hydrate_interval" json:"hydrate_interval"`
	SweepInterval   time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	QueryGrace      time.Duration `yaml:"query_grace" json:"query_grace"`
	QueryTimeout    time.Duration `yaml:"query_timeout" json:"query_timeout"`
	CheckSigs       bool          `yaml:"check_sigs" json:"check_sigs"`
	SeedKinds       []int         `yaml:"seed_kinds" json:"seed_kinds"`
	DiagListen      string        `yaml:"diag_listen" json:"diag_listen"`
	LogLevel        string        `yaml:"log_level" json:"log_level"`
	// SecKey answers relay AUTH challenges when set.
	SecKey string `yaml:"sec_key" json:"-"`
}

// Default is the configuration used for anything a file leaves out.
func Default() *T {
	home, err := os.UserHomeDir()
	if chk.D(err) {
		home = "."
	}
	return &T{
		DataDir:         filepath.Join(home, ".feedr"),
		Durable:         BackendBadger,
		FlushInterval:   time.Second,
		HydrateInterval: 100 * time.Millisecond,
		SweepInterval:   time.Second,
		QueryGrace:      5 * time.Second,
		QueryTimeout:    30 * time.Second,
		CheckSigs:       true,
		SeedKinds:       []int{int(kind.ProfileMetadata), int(kind.FollowList)},
		LogLevel:        "info",
	}
}

func (t *T) Validate() error {
	return validation.ValidateStruct(t,
		validation.Field(&t.Relays),
		validation.Field(&t.Durable, validation.Required,
			validation.In(BackendBadger, BackendEventstore, BackendMemory)),
		validation.Field(&t.DataDir,
			validation.When(t.Durable != BackendMemory, validation.Required)),
		validation.Field(&t.FlushInterval, validation.Min(time.Millisecond)),
		validation.Field(&t.HydrateInterval, validation.Min(time.Millisecond)),
		validation.Field(&t.SweepInterval, validation.Min(time.Millisecond)),
		validation.Field(&t.QueryGrace, validation.Min(time.Duration(0))),
		validation.Field(&t.QueryTimeout, validation.Min(time.Millisecond)),
		validation.Field(&t.SeedKinds, validation.Each(validation.Min(0),
			validation.Max(int(^uint16(0))))),
		validation.Field(&t.LogLevel, validation.In("off", "fatal", "error", "warn",
			"info", "debug", "trace")),
		validation.Field(&t.SecKey, validation.When(t.SecKey != "",
			validation.By(secretKey))),
	)
}

// Load reads the configuration at path over the defaults. Variables from
// the .env files in dotenv are added to the environment first; files that
// do not exist are skipped, as is a missing configuration file.
func Load(path string, dotenv ...string) (t *T, err error) {
	for _, f := range dotenv {
		if err = godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				err = nil
				continue
			}
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
		log.D.Ln("loaded environment from", f)
	}
	t = Default()
	if path == "" {
		return t, t.Validate()
	}
	var data []byte
	if data, err = os.ReadFile(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.D.Ln("no configuration at", path)
			return t, t.Validate()
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err = yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), t); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err = t.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return
}

// Save writes the configuration as YAML.
func (t *T) Save(path string) (err error) {
	var b []byte
	if b, err = yaml.Marshal(t); chk.E(err) {
		return
	}
	if err = os.MkdirAll(filepath.Dir(path), 0o700); chk.E(err) {
		return
	}
	return os.WriteFile(path, b, 0o600)
}

// Args are the command line settings that override the file.
type Args struct {
	Config   string   `arg:"-c,--config" default:"feedr.yaml" help:"configuration file"`
	Env      []string `arg:"--env,separate" help:"environment files to load (may repeat)"`
	Relays   []string `arg:"-r,--relay,separate" help:"relay to read from and write to (may repeat)"`
	DataDir  string   `arg:"-d,--datadir" help:"directory for the durable cache"`
	Durable  string   `arg:"--durable" help:"durable cache backend [badger,eventstore,memory]"`
	Diag     string   `arg:"--diag" help:"address to serve diagnostics on, e.g. 127.0.0.1:7447"`
	LogLevel string   `arg:"-l,--loglevel" help:"log level [off,fatal,error,warn,info,debug,trace]"`
	NoVerify bool     `arg:"--noverify" help:"accept relay events without checking signatures"`
}

// Overlay applies the arguments that were set.
func (t *T) Overlay(a Args) error {
	for _, u := range a.Relays {
		t.Relays = append(t.Relays, Relay{URL: u, Read: true, Write: true})
	}
	if a.DataDir != "" {
		t.DataDir = a.DataDir
	}
	if a.Durable != "" {
		t.Durable = a.Durable
	}
	if a.Diag != "" {
		t.DiagListen = a.Diag
	}
	if a.LogLevel != "" {
		t.LogLevel = a.LogLevel
	}
	if a.NoVerify {
		t.CheckSigs = false
	}
	return t.Validate()
}

// Store is the durable tier the configuration names, not yet opened. It is
// nil for memory only.
func (t *T) Store() durable.Store {
	switch t.Durable {
	case BackendBadger:
		return badger.New(filepath.Join(t.DataDir, "badger"))
	case BackendEventstore:
		return eventstore.New(&esbadger.BadgerBackend{
			Path: filepath.Join(t.DataDir, "eventstore"),
		})
	}
	return nil
}

// Options builds the engine options for the configuration.
func (t *T) Options() (opts system.Options) {
	slog.SetLogLevelString(t.LogLevel)
	opts.Relays = make(map[string]connection.Settings, len(t.Relays))
	for _, r := range t.Relays {
		s := connection.Settings{Read: r.Read, Write: r.Write}
		opts.Relays[r.URL] = opts.Relays[r.URL].Merge(s)
	}
	opts.SkipVerify = !t.CheckSigs
	opts.SweepInterval = t.SweepInterval
	if opts.Grace = t.QueryGrace; opts.Grace == 0 {
		opts.Grace = NoGrace
	}
	opts.Timeout = t.QueryTimeout
	opts.Cache.Durable = t.Store()
	opts.Cache.FlushInterval = t.FlushInterval
	opts.Cache.HydrateInterval = t.HydrateInterval
	if t.SeedKinds != nil {
		opts.Cache.SeedKinds = make(kinds.T, 0, len(t.SeedKinds))
		for _, k := range t.SeedKinds {
			opts.Cache.SeedKinds = append(opts.Cache.SeedKinds, kind.T(k))
		}
	}
	if t.SecKey != "" {
		sk := t.SecKey
		opts.Pool.Connection.Signer = func(ev *event.T) error { return ev.Sign(sk) }
	}
	return
}
