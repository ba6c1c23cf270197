package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/timeranger/cfg"
	"github.com/maxpert/timeranger/encoding"
	"github.com/maxpert/timeranger/evloop"
	"github.com/maxpert/timeranger/publisher"
	_ "github.com/maxpert/timeranger/publisher/sink"
	_ "github.com/maxpert/timeranger/publisher/transformer"
	"github.com/maxpert/timeranger/telemetry"
	"github.com/maxpert/timeranger/tranger"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `usage: timeranger [flags] <command> [args]

commands:
  topics                      list topics
  keys <topic>                list keys (-key, -rkey, -gkey filters)
  desc <topic>                print the topic description
  list <topic> <key>          print records (-from -to -from-t -to-t -backward -only-md -format)
  page <topic> <key>          print one page (-from -limit -backward -format)
  append <topic>              append JSON lines read from stdin (master only)
  watch <topic> [key]         follow new records until interrupted
  publish <topic>...          relay records to the configured sinks until interrupted
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging. Records go to stdout, so logs go to stderr.
	var writer io.Writer = zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) { w.Out = os.Stderr })
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stderr
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	loop := evloop.New()
	db, err := openDatabase(loop)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
		return
	}
	defer db.Shutdown()

	if err := run(db, args[0], args[1:]); err != nil {
		log.Error().Err(err).Str("command", args[0]).Msg("Command failed")
		db.Shutdown()
		os.Exit(1)
	}
}

func openDatabase(loop *evloop.Loop) (*tranger.Database, error) {
	key, err := cfg.CipherKey()
	if err != nil {
		return nil, err
	}

	opts := tranger.Options{
		Path:            cfg.Config.Storage.Path,
		Database:        cfg.Config.Storage.Database,
		Master:          cfg.Config.Storage.Master,
		FilenameMask:    cfg.Config.Storage.FilenameMask,
		XPermission:     cfg.Config.Storage.XPermission,
		RPermission:     cfg.Config.Storage.RPermission,
		OnCriticalError: criticalPolicy(cfg.Config.Storage.OnCriticalError),
		ReadFDCacheSize: cfg.Config.Storage.ReadFDCacheSize,
		CipherKey:       key,
	}

	log.Info().
		Str("path", opts.Path).
		Str("database", opts.Database).
		Bool("master", opts.Master).
		Msg("Opening database")
	return tranger.Startup(loop, opts)
}

func criticalPolicy(p cfg.CriticalPolicy) tranger.CriticalPolicy {
	switch p {
	case cfg.CriticalLogTrace:
		return tranger.LogTrace
	case cfg.CriticalAbort:
		return tranger.Abort
	default:
		return tranger.LogOnly
	}
}

func run(db *tranger.Database, command string, args []string) error {
	switch command {
	case "topics":
		return cmdTopics(db)
	case "keys":
		return cmdKeys(db, args)
	case "desc":
		return cmdDesc(db, args)
	case "list":
		return cmdList(db, args)
	case "page":
		return cmdPage(db, args)
	case "append":
		return cmdAppend(db, args)
	case "watch":
		return cmdWatch(db, args)
	case "publish":
		return cmdPublish(db, args)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func cmdTopics(db *tranger.Database) error {
	names, err := db.ListTopics()
	if err != nil {
		return err
	}
	for _, name := range names {
		size, err := db.TopicSize(name)
		if err != nil {
			log.Warn().Err(err).Str("topic", name).Msg("Failed to size topic")
		}
		fmt.Printf("%s\t%d\n", name, size)
	}
	return nil
}

func cmdKeys(db *tranger.Database, args []string) error {
	fs := flag.NewFlagSet("keys", flag.ExitOnError)
	var f tranger.KeyFilter
	fs.StringVar(&f.Key, "key", "", "Exact key")
	fs.StringVar(&f.RKey, "rkey", "", "Regular expression")
	fs.StringVar(&f.GKey, "gkey", "", "Glob pattern")
	topic, rest, err := topicArg(fs, args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("unexpected arguments: %v", rest)
	}

	keys, err := db.ListKeys(topic, f)
	if err != nil {
		return err
	}
	for _, key := range keys {
		size, err := db.TopicKeySize(topic, key)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%d\n", key, size)
	}
	return nil
}

func cmdDesc(db *tranger.Database, args []string) error {
	topic, _, err := topicArg(flag.NewFlagSet("desc", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	desc, err := db.TopicDesc(topic)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// timeFlag accepts either a number or an ISO 8601 timestamp
type timeFlag int64

func (t *timeFlag) String() string { return fmt.Sprint(int64(*t)) }

func (t *timeFlag) Set(s string) error {
	v, err := tranger.ParseTime(s)
	if err != nil {
		return err
	}
	*t = timeFlag(v)
	return nil
}

func cmdList(db *tranger.Database, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	from := fs.Int64("from", 0, "First rowid, negative counts from the end")
	to := fs.Int64("to", -1, "Last rowid, negative counts from the end")
	backward := fs.Bool("backward", false, "Newest first")
	onlyMd := fs.Bool("only-md", false, "Skip record content")
	format := fs.String("format", "json", "json, msgpack or text")
	var fromT, toT timeFlag
	fs.Var(&fromT, "from-t", "Lower time bound")
	fs.Var(&toT, "to-t", "Upper time bound")

	topic, rest, err := topicArg(fs, args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("list needs <topic> <key>")
	}
	w, err := recordWriter(db, topic, *format)
	if err != nil {
		return err
	}

	cond := tranger.MatchCond{
		Backward:  *backward,
		OnlyMd:    *onlyMd,
		FromRowid: *from,
		ToRowid:   *to,
		FromT:     int64(fromT),
		ToT:       int64(toT),
	}
	// A history-only listing, never left open for realtime
	if cond.ToRowid == 0 && cond.ToT == 0 {
		cond.ToRowid = -1
	}
	it, err := db.OpenIterator(topic, rest[0], cond, func(_ string, rec *tranger.Record) error {
		return w.Write(rec)
	}, "", nil)
	if err != nil {
		return err
	}
	defer db.CloseIterator(it)
	return w.Flush()
}

func cmdPage(db *tranger.Database, args []string) error {
	fs := flag.NewFlagSet("page", flag.ExitOnError)
	from := fs.Int64("from", 1, "First rowid of the page, 0 for the edge")
	limit := fs.Int("limit", 20, "Rows per page")
	backward := fs.Bool("backward", false, "Newest first")
	format := fs.String("format", "json", "json, msgpack or text")
	topic, rest, err := topicArg(fs, args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("page needs <topic> <key>")
	}
	w, err := recordWriter(db, topic, *format)
	if err != nil {
		return err
	}

	it, err := db.OpenIterator(topic, rest[0], tranger.MatchCond{ToRowid: -1}, nil, "", nil)
	if err != nil {
		return err
	}
	defer db.CloseIterator(it)

	page, err := db.IteratorGetPage(it, *from, *limit, *backward)
	if err != nil {
		return err
	}
	log.Info().
		Uint64("total_rows", page.TotalRows).
		Uint64("pages", page.Pages).
		Int("rows", len(page.Data)).
		Msg("Page loaded")
	for _, rec := range page.Data {
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return w.Flush()
}

func cmdAppend(db *tranger.Database, args []string) error {
	fs := flag.NewFlagSet("append", flag.ExitOnError)
	userFlag := fs.Uint("user-flag", 0, "User flag of every appended record")
	var ts timeFlag
	fs.Var(&ts, "t", "Record time, default now")
	topic, _, err := topicArg(fs, args)
	if err != nil {
		return err
	}
	if !db.Master() {
		return tranger.ErrNotMaster
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var appended int
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := db.AppendRecord(topic, uint64(ts), uint16(*userFlag), line)
		if err != nil {
			return fmt.Errorf("line %d: %w", appended+1, err)
		}
		appended++
		log.Debug().Str("key", rec.Key).Uint64("rowid", rec.Rowid).Msg("Appended")
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	log.Info().Int("records", appended).Str("topic", topic).Msg("Append completed")
	return nil
}

func cmdWatch(db *tranger.Database, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	from := fs.Int64("from", 0, "Replay from this rowid before following, 0 follows new records only")
	format := fs.String("format", "json", "json, msgpack or text")
	topic, rest, err := topicArg(fs, args)
	if err != nil {
		return err
	}
	key := ""
	if len(rest) > 0 {
		key = rest[0]
	}
	w, err := recordWriter(db, topic, *format)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopMetrics := startMetrics(db)
	defer stopMetrics()

	cb := func(_ string, rec *tranger.Record) error {
		if err := w.Write(rec); err != nil {
			return err
		}
		return w.Flush()
	}
	cond := tranger.MatchCond{
		OnlyMd:  cfg.Config.Watch.OnlyMd,
		RtByMem: cfg.Config.Watch.RtByMem,
	}

	switch {
	case key != "" && *from != 0:
		// Replay then follow the same key
		cond.FromRowid = *from
		it, err := db.OpenIterator(topic, key, cond, cb, "", nil)
		if err != nil {
			return err
		}
		defer db.CloseIterator(it)
	case cond.RtByMem && db.Master():
		m, err := db.OpenRtMem(topic, key, cond, cb, "")
		if err != nil {
			return err
		}
		defer db.CloseRtMem(m)
	default:
		d, err := db.OpenRtDisk(topic, key, cond, cb, "")
		if err != nil {
			return err
		}
		defer db.CloseRtDisk(d)
		log.Info().Str("id", d.ID()).Str("path", d.Path()).Msg("Following rt_disk feed")
	}

	log.Info().Str("topic", topic).Str("key", key).Msg("Watching, interrupt to stop")
	if err := db.Loop().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func cmdPublish(db *tranger.Database, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("publish needs at least one topic")
	}
	if len(cfg.Config.Publisher.Sinks) == 0 {
		return fmt.Errorf("no publisher sinks configured")
	}

	dataDir := cfg.Config.Publisher.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(cfg.Config.Storage.Path, ".publisher", cfg.Config.Storage.Database)
	}
	reg, err := publisher.NewRegistry(publisher.RegistryConfig{
		DataDir:     dataDir,
		Database:    cfg.Config.Storage.Database,
		NodeID:      cfg.Config.NodeID,
		SinkConfigs: cfg.Config.Publisher.Sinks,
	})
	if err != nil {
		return err
	}
	defer reg.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopMetrics := startMetrics(db)
	defer stopMetrics()

	byMem := cfg.Config.Watch.RtByMem && db.Master()
	for _, topic := range fs.Args() {
		f, err := reg.Follow(db, topic, byMem)
		if err != nil {
			return fmt.Errorf("follow %s: %w", topic, err)
		}
		defer f.Close()
	}

	if err := reg.Start(); err != nil {
		return err
	}
	log.Info().Strs("topics", fs.Args()).Int("sinks", len(reg.Workers())).Msg("Publishing, interrupt to stop")

	if err := db.Loop().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startMetrics serves /metrics and refreshes the engine gauges while
// watching. It returns a stop function.
func startMetrics(db *tranger.Database) func() {
	handler := telemetry.GetMetricsHandler()
	if handler == nil {
		return func() {}
	}

	collector := telemetry.NewMetricsCollector(db, 5*time.Second)
	collector.Start()

	r := chi.NewRouter()
	r.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Config.Prometheus.Address, cfg.Config.Prometheus.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", srv.Addr).Msg("Metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		collector.Stop()
	}
}

func topicArg(fs *flag.FlagSet, args []string) (string, []string, error) {
	if err := fs.Parse(args); err != nil {
		return "", nil, err
	}
	if fs.NArg() == 0 {
		return "", nil, fmt.Errorf("%s needs a topic", fs.Name())
	}
	return fs.Arg(0), fs.Args()[1:], nil
}

func recordWriter(db *tranger.Database, topicName, format string) (*encoding.RecordWriter, error) {
	f, err := encoding.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	topic, err := db.OpenTopic(topicName)
	if err != nil {
		return nil, err
	}
	return encoding.NewRecordWriter(os.Stdout, f, topic), nil
}
