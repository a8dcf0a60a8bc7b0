package tidepool

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/louisbranch/tidepool/feedlog"
	"github.com/louisbranch/tidepool/indexes/baseidx"
	entrypoint "github.com/louisbranch/tidepool/internal/platform/cmd"
	"github.com/louisbranch/tidepool/message"
)

// storedView is the JSON form of one fetched message.
type storedView struct {
	Key      message.Ref     `json:"key"`
	Seq      uint64          `json:"seq"`
	Private  bool            `json:"private,omitempty"`
	Received time.Time       `json:"received"`
	Value    json.RawMessage `json:"value"`
}

// logView is the JSON form of one admitted log record.
type logView struct {
	Seq       uint64          `json:"seq"`
	Key       message.Ref     `json:"key"`
	Author    message.FeedID  `json:"author"`
	Sequence  uint64          `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
	Received  int64           `json:"received"`
	Private   bool            `json:"private,omitempty"`
	Value     json.RawMessage `json:"value"`
}

func runInit(cfg Config, out, errOut io.Writer) error {
	store, err := openStore(cfg, errOut)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Fprintf(out, "identity: %s\n", store.ID())
	fmt.Fprintf(out, "directory: %s\n", cfg.Dir)
	return nil
}

func runPublish(ctx context.Context, cfg Config, args []string, out, errOut io.Writer) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	fs.SetOutput(errOut)
	msgType := fs.String("type", "post", "content type used with -text")
	text := fs.String("text", "", "publish a text post")
	content := fs.String("content", "", "raw JSON content (overrides -text)")
	boxKey := fs.String("box", "", "base64 key; seal the content before publishing")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return err
	}

	var raw json.RawMessage
	switch {
	case *content != "":
		if !json.Valid([]byte(*content)) {
			return fmt.Errorf("content must be valid JSON")
		}
		raw = json.RawMessage(*content)
	case *text != "":
		enc, err := json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{Type: *msgType, Text: *text})
		if err != nil {
			return err
		}
		raw = enc
	default:
		return fmt.Errorf("either -text or -content is required")
	}

	if *boxKey != "" {
		key, err := base64.StdEncoding.DecodeString(*boxKey)
		if err != nil {
			return fmt.Errorf("decode box key: %w", err)
		}
		boxed, err := message.Box(raw, key)
		if err != nil {
			return err
		}
		raw = boxed
	}

	ctx, cancel := boundedCtx(ctx, cfg)
	defer cancel()

	store, err := openStore(cfg, errOut)
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.Publish(ctx, raw)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, st.Key)
	return nil
}

func runGet(ctx context.Context, cfg Config, args []string, out, errOut io.Writer) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(errOut)
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return err
	}
	arg := fs.Arg(0)
	if arg == "" {
		return fmt.Errorf("a message ref is required")
	}
	ref, err := message.ParseRef(arg)
	if err != nil {
		return err
	}

	ctx, cancel := boundedCtx(ctx, cfg)
	defer cancel()

	store, err := openStore(cfg, errOut)
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.GetSync(ctx, ref)
	if err != nil {
		return err
	}
	value, err := st.Msg.Encode()
	if err != nil {
		return err
	}
	enc, err := json.MarshalIndent(storedView{
		Key:      st.Key,
		Seq:      st.Seq,
		Private:  st.Private,
		Received: st.Received,
		Value:    value,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(enc))
	return nil
}

func runLog(ctx context.Context, cfg Config, args []string, out, errOut io.Writer) error {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	fs.SetOutput(errOut)
	from := fs.Uint64("from", 1, "start at this log sequence")
	limit := fs.Int("limit", 0, "stop after this many records (0 = all)")
	author := fs.String("author", "", "only records from this feed")
	live := fs.Bool("live", false, "keep following new records")
	asJSON := fs.Bool("json", false, "print records as JSON lines")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return err
	}

	var filter message.FeedID
	if *author != "" {
		id, err := message.ParseFeedID(*author)
		if err != nil {
			return err
		}
		filter = id
	}

	// Live tails run until interrupted; only bounded scans get the timeout.
	if !*live {
		var cancel context.CancelFunc
		ctx, cancel = boundedCtx(ctx, cfg)
		defer cancel()
	}

	store, err := openStore(cfg, errOut)
	if err != nil {
		return err
	}
	defer store.Close()

	errStop := errors.New("stop")
	next := *from
	if next == 0 {
		next = 1
	}
	printed := 0
	emit := func(rec feedlog.Record) error {
		next = rec.Seq + 1
		if rec.Tombstone {
			return nil
		}
		if filter != "" {
			recAuthor, _, err := feedlog.PeekAuthor(rec.Data)
			if err != nil {
				return err
			}
			if recAuthor != filter {
				return nil
			}
		}
		if err := printRecord(out, rec, *asJSON); err != nil {
			return err
		}
		printed++
		if *limit > 0 && printed >= *limit {
			return errStop
		}
		return nil
	}

	if err := store.Log().Range(ctx, next, emit); err != nil {
		if errors.Is(err, errStop) {
			return nil
		}
		return err
	}
	if !*live {
		return nil
	}

	last, cancelWatch := store.Log().WatchLast()
	defer cancelWatch()
	for {
		select {
		case <-ctx.Done():
			return nil
		case seq, ok := <-last:
			if !ok {
				return nil
			}
			if seq < next {
				continue
			}
			if err := store.Log().Range(ctx, next, emit); err != nil {
				if errors.Is(err, errStop) || errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		}
	}
}

func printRecord(w io.Writer, rec feedlog.Record, asJSON bool) error {
	env, err := feedlog.DecodeEnvelope(rec.Data)
	if err != nil {
		return err
	}

	if asJSON {
		enc, err := json.Marshal(logView{
			Seq:       rec.Seq,
			Key:       env.Key,
			Author:    env.Author,
			Sequence:  env.Sequence,
			Timestamp: env.Timestamp,
			Received:  env.Received,
			Private:   env.Private,
			Value:     json.RawMessage(env.Raw),
		})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(enc))
		return err
	}

	msg, err := message.Decode(env.Raw)
	if err != nil {
		return err
	}
	kind := msg.ContentType()
	if kind == "" {
		if message.IsBoxed(msg.Content) {
			kind = "(encrypted)"
		} else {
			kind = "-"
		}
	}
	ts := time.UnixMilli(env.Timestamp).UTC().Format(time.RFC3339)
	_, err = fmt.Fprintf(w, "%d\t%s\t%s@%d\t%s\t%s\n",
		rec.Seq, env.Key, env.Author, env.Sequence, kind, ts)
	return err
}

func runStatus(ctx context.Context, cfg Config, args []string, out, errOut io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(errOut)
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return err
	}

	ctx, cancel := boundedCtx(ctx, cfg)
	defer cancel()

	store, err := openStore(cfg, errOut)
	if err != nil {
		return err
	}
	defer store.Close()

	// Report settled state; a one-shot invocation mid-replay would
	// otherwise show whatever the index absorbed so far.
	if err := waitCaughtUp(ctx, store, baseidx.Name); err != nil {
		return err
	}
	rep, err := store.Status(ctx)
	if err != nil {
		return err
	}
	enc, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(enc))
	return nil
}

func runVerify(ctx context.Context, cfg Config, args []string, out, errOut io.Writer) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(errOut)
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return err
	}

	ctx, cancel := boundedCtx(ctx, cfg)
	defer cancel()

	store, err := openStore(cfg, errOut)
	if err != nil {
		return err
	}
	defer store.Close()

	author := store.ID()
	if arg := fs.Arg(0); arg != "" {
		id, err := message.ParseFeedID(arg)
		if err != nil {
			return err
		}
		author = id
	}

	// Verification walks the base index, so drain it first; otherwise a
	// feed admitted moments before open would verify short.
	if err := waitCaughtUp(ctx, store, baseidx.Name); err != nil {
		return err
	}
	if err := store.VerifyFeed(ctx, author); err != nil {
		return err
	}
	fmt.Fprintf(out, "feed %s: ok\n", author)
	return nil
}
