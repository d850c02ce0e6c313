package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/urfave/cli/v2"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/durable"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/eventid"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/keys"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
)

const importBatch = 256

var find = &cli.Command{
	Name:  "find",
	Usage: "prints stored events matching a filter as JSON lines",
	Description: `arguments may be hex ids or pubkeys, or nip19 codes:
		cachectl find -k 1 -l 20 npub1...
		cachectl find note1... nevent1...`,
	ArgsUsage: "[npub | nprofile | note | nevent | naddr | hex]...",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "author",
			Aliases: []string{"a"},
			Usage:   "only events from these authors",
		},
		&cli.StringSliceFlag{
			Name:    "id",
			Aliases: []string{"i"},
			Usage:   "only events with these ids",
		},
		&cli.IntSliceFlag{
			Name:    "kind",
			Aliases: []string{"k"},
			Usage:   "only events of these kinds",
		},
		&cli.IntFlag{
			Name:    "limit",
			Aliases: []string{"l"},
			Usage:   "at most this many events",
		},
	},
	Action: func(c *cli.Context) (err error) {
		var f *filter.T
		if f, err = filterFrom(c); err != nil {
			return
		}
		var store durable.Store
		if store, err = open(c); err != nil {
			return
		}
		defer store.Close()
		var evs []*event.T
		if evs, err = store.Query(c.Context, f); err != nil {
			return
		}
		return writeEvents(os.Stdout, evs)
	},
}

var exportEvents = &cli.Command{
	Name:  "export",
	Usage: "prints every stored event as JSON lines",
	Action: func(c *cli.Context) (err error) {
		var store durable.Store
		if store, err = open(c); err != nil {
			return
		}
		defer store.Close()
		var evs []*event.T
		if evs, err = store.Query(c.Context, &filter.T{}); err != nil {
			return
		}
		log.I.F("exporting %d events", len(evs))
		return writeEvents(os.Stdout, evs)
	},
}

var importEvents = &cli.Command{
	Name:      "import",
	Usage:     "stores events read as JSON lines from files or stdin",
	ArgsUsage: "[file]...",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "noverify",
			Usage: "store events without checking their signatures",
		},
	},
	Action: func(c *cli.Context) (err error) {
		var store durable.Store
		if store, err = open(c); err != nil {
			return
		}
		defer store.Close()
		var total, skipped int
		save := func(r io.Reader) error {
			n, s, err := importFrom(c.Context, store, r, !c.Bool("noverify"))
			total += n
			skipped += s
			return err
		}
		if c.NArg() == 0 {
			err = save(os.Stdin)
		}
		for _, name := range c.Args().Slice() {
			var fh *os.File
			if fh, err = os.Open(name); err != nil {
				return
			}
			err = save(fh)
			fh.Close()
			if err != nil {
				return
			}
		}
		log.I.F("imported %d events, skipped %d", total, skipped)
		return
	},
}

var deleteEvents = &cli.Command{
	Name:      "delete",
	Usage:     "removes events by id",
	ArgsUsage: "<note | nevent | hex>...",
	Action: func(c *cli.Context) (err error) {
		var f *filter.T
		if f, err = filterFrom(c); err != nil {
			return
		}
		if len(f.IDs) == 0 || len(f.Authors) > 0 {
			return fmt.Errorf("delete takes event ids only")
		}
		var store durable.Store
		if store, err = open(c); err != nil {
			return
		}
		defer store.Close()
		for _, id := range f.IDs {
			if err = store.Delete(c.Context, eventid.T(id)); err != nil {
				return
			}
		}
		log.I.F("deleted %d events", len(f.IDs))
		return
	},
}

var stats = &cli.Command{
	Name:  "stats",
	Usage: "prints the number of stored events per kind",
	Action: func(c *cli.Context) (err error) {
		var store durable.Store
		if store, err = open(c); err != nil {
			return
		}
		defer store.Close()
		var evs []*event.T
		if evs, err = store.Query(c.Context, &filter.T{}); err != nil {
			return
		}
		var b []byte
		if b, err = json.MarshalIndent(count(evs), "", "  "); err != nil {
			return
		}
		fmt.Println(string(b))
		return
	},
}

// Stats summarises a set of events.
type Stats struct {
	Events  int            `json:"events"`
	Authors int            `json:"authors"`
	Kinds   map[string]int `json:"kinds"`
}

func count(evs []*event.T) (s Stats) {
	s.Events = len(evs)
	s.Kinds = make(map[string]int)
	authors := make(map[string]struct{})
	for _, ev := range evs {
		authors[ev.PubKey] = struct{}{}
		s.Kinds[ev.Kind.String()]++
	}
	s.Authors = len(authors)
	return
}

// filterFrom builds a filter from the flags and the arguments of c.
func filterFrom(c *cli.Context) (f *filter.T, err error) {
	f = &filter.T{Limit: c.Int("limit")}
	for _, k := range c.IntSlice("kind") {
		if k < 0 || k > int(^uint16(0)) {
			return nil, fmt.Errorf("kind %d out of range", k)
		}
		f.Kinds = append(f.Kinds, kind.T(k))
	}
	f.IDs = append(f.IDs, c.StringSlice("id")...)
	f.Authors = append(f.Authors, c.StringSlice("author")...)
	for _, arg := range c.Args().Slice() {
		if err = addArg(f, arg); err != nil {
			return
		}
	}
	return
}

// addArg adds a hex or nip19 encoded entity to f. A bare hex value is
// taken as an event id.
func addArg(f *filter.T, arg string) (err error) {
	arg = strings.TrimPrefix(arg, "nostr:")
	if keys.IsValid32ByteHex(arg) {
		f.IDs = append(f.IDs, arg)
		return
	}
	var prefix string
	var value any
	if prefix, value, err = nip19.Decode(arg); err != nil {
		return fmt.Errorf("failed to decode '%s': %w", arg, err)
	}
	switch v := value.(type) {
	case string:
		switch prefix {
		case "npub":
			f.Authors = append(f.Authors, v)
		case "note":
			f.IDs = append(f.IDs, v)
		default:
			return fmt.Errorf("'%s' is not something to look for", prefix)
		}
	case nostr.ProfilePointer:
		f.Authors = append(f.Authors, v.PublicKey)
	case nostr.EventPointer:
		f.IDs = append(f.IDs, v.ID)
	case nostr.EntityPointer:
		f.Authors = append(f.Authors, v.PublicKey)
		f.Kinds = append(f.Kinds, kind.T(v.Kind))
		if f.Tags == nil {
			f.Tags = make(filter.TagMap)
		}
		f.Tags["d"] = append(f.Tags["d"], v.Identifier)
	default:
		return fmt.Errorf("unsupported entity '%s'", prefix)
	}
	return
}

// importFrom saves the valid events read from r in batches.
func importFrom(c context.T, store durable.Store, r io.Reader,
	verify bool) (n, skipped int, err error) {

	var batch []*event.T
	flush := func() (err error) {
		if len(batch) == 0 {
			return
		}
		if err = store.Save(c, batch...); err == nil {
			n += len(batch)
		}
		batch = batch[:0]
		return
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		ev := &event.T{}
		if err = json.Unmarshal([]byte(line), ev); chk.D(err) || !ev.IsValid() ||
			(verify && !ev.Verify()) {
			log.D.Ln("skipping", line)
			skipped++
			err = nil
			continue
		}
		if batch = append(batch, ev); len(batch) >= importBatch {
			if err = flush(); err != nil {
				return
			}
		}
	}
	if err = sc.Err(); err != nil {
		return
	}
	err = flush()
	return
}

func writeEvents(w io.Writer, evs []*event.T) (err error) {
	out := bufio.NewWriter(w)
	for _, ev := range evs {
		out.Write(ev.MarshalTo(nil))
		out.WriteByte('\n')
	}
	return out.Flush()
}
