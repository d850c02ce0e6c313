// Command feedr runs the engine against the configured relays and prints the
// events of one request as JSON lines.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"

	"github.com/Hubmakerlabs/feedr/pkg/config"
	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/diag"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filters"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/timestamp"
	"github.com/Hubmakerlabs/feedr/pkg/query"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
	"github.com/Hubmakerlabs/feedr/pkg/system"
)

var log, chk = slog.New(os.Stderr)

var (
	AppName = "feedr"
	Version = "v0.0.1"
)

// Args are the command line of feedr.
type Args struct {
	config.Args
	Kinds   []int         `arg:"-k,--kind,separate" help:"event kinds to request"`
	Authors []string      `arg:"-a,--author,separate" help:"authors to request (hex)"`
	IDs     []string      `arg:"-i,--id,separate" help:"event ids to request (hex)"`
	Tags    []string      `arg:"-t,--tag,separate" help:"tag constraint as letter=value"`
	Limit   int           `arg:"-n,--limit" help:"maximum events per relay"`
	Since   string        `arg:"-s,--since" help:"unix timestamp, or a duration before now such as 1h"`
	Live    bool          `arg:"--live" help:"keep the request open after every relay has finished"`
	Outbox  bool          `arg:"--outbox" help:"also ask the authors' own write relays"`
	Timeout time.Duration `arg:"--timeout" help:"how long to wait for relays"`
}

func (Args) Version() string { return AppName + " " + Version }

var args Args

func main() {
	arg.MustParse(&args)
	if err := run(); chk.E(err) {
		os.Exit(1)
	}
}

func run() (err error) {
	var cfg *config.T
	if cfg, err = config.Load(args.Config, args.Env...); err != nil {
		return
	}
	if err = cfg.Overlay(args.Args); err != nil {
		return
	}
	var f *filter.T
	if f, err = args.Filter(time.Now()); err != nil {
		return
	}
	var host string
	var port int
	if cfg.DiagListen != "" {
		if host, port, err = splitListen(cfg.DiagListen); err != nil {
			return
		}
	}
	s := system.New(cfg.Options())
	s.Start()
	defer s.Stop()
	if cfg.DiagListen != "" {
		d := diag.New(s)
		go func() { chk.E(d.Start(host, port)) }()
		defer func() {
			c, cancel := context.Timeout(context.Bg(), time.Second)
			defer cancel()
			d.Shutdown(c)
		}()
	}
	c, stop := signal.NotifyContext(context.Bg(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	req := query.Request{
		ID:        AppName,
		Filters:   filters.T{f},
		LeaveOpen: args.Live,
		Timeout:   args.Timeout,
		UseOutbox: args.Outbox,
	}
	if !args.Live {
		return fetch(c, s, req, out)
	}
	var st *system.Stream
	if st, err = s.Request(req); err != nil {
		return
	}
	defer st.Close()
	return follow(c, st, out)
}

// fetch prints the events of req as they arrive and returns once every
// relay has finished.
func fetch(c context.T, s *system.T, req query.Request, out *bufio.Writer) (err error) {
	_, err = s.FetchOnce(c, req, func(evs []*event.T) {
		for _, ev := range evs {
			write(out, ev)
		}
		chk.E(out.Flush())
	})
	if errors.Is(err, context.Canceled) {
		log.I.Ln("interrupted")
		err = nil
	}
	return
}

// follow prints the events of st until c is done or the stream ends. Once
// caught up each event is flushed as it arrives.
func follow(c context.T, st *system.Stream, out *bufio.Writer) (err error) {
	complete := st.Complete()
	for {
		select {
		case <-c.Done():
			log.I.Ln("interrupted")
			return
		case <-complete:
			log.I.Ln("caught up, waiting for new events")
			complete = nil
			if err = out.Flush(); err != nil {
				return
			}
		case ev, ok := <-st.Events():
			if !ok {
				return
			}
			write(out, ev)
			if complete == nil {
				if err = out.Flush(); err != nil {
					return
				}
			}
		}
	}
}

func write(out *bufio.Writer, ev *event.T) {
	out.Write(ev.MarshalTo(nil))
	out.WriteByte('\n')
}

// Filter builds the filter the arguments describe.
func (a Args) Filter(now time.Time) (f *filter.T, err error) {
	f = &filter.T{Limit: a.Limit}
	if len(a.IDs) > 0 {
		f.IDs = a.IDs
	}
	if len(a.Authors) > 0 {
		f.Authors = a.Authors
	}
	for _, k := range a.Kinds {
		if k < 0 || k > int(^uint16(0)) {
			return nil, fmt.Errorf("kind %d out of range", k)
		}
		f.Kinds = append(f.Kinds, kind.T(k))
	}
	for _, t := range a.Tags {
		letter, value, ok := strings.Cut(t, "=")
		if !ok || letter == "" {
			return nil, fmt.Errorf("tag '%s' is not letter=value", t)
		}
		if f.Tags == nil {
			f.Tags = make(filter.TagMap)
		}
		f.Tags[letter] = append(f.Tags[letter], value)
	}
	if a.Since != "" {
		var ts timestamp.T
		if n, err := strconv.ParseInt(a.Since, 10, 64); err == nil {
			ts = timestamp.FromUnix(n)
		} else if d, err := time.ParseDuration(a.Since); err == nil {
			ts = timestamp.FromTime(now.Add(-d))
		} else {
			return nil, fmt.Errorf("since '%s' is neither a timestamp nor a duration", a.Since)
		}
		f.Since = &ts
	}
	return
}

func splitListen(addr string) (host string, port int, err error) {
	var p string
	if host, p, err = net.SplitHostPort(addr); err != nil {
		return
	}
	port, err = strconv.Atoi(p)
	return
}
