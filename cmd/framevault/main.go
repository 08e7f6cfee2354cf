// Package main is the entry point for the framevault CLI, which ingests,
// queries, downloads, and reassembles microscope imaging datasets.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/framevault/framevault/internal/config"
	"github.com/framevault/framevault/internal/dataset"
	"github.com/framevault/framevault/internal/exchange"
	"github.com/framevault/framevault/internal/logging"
	"github.com/framevault/framevault/internal/metadata"
	"github.com/framevault/framevault/internal/metrics"
	"github.com/framevault/framevault/internal/ops"
	"github.com/framevault/framevault/internal/pipeline"
	"github.com/framevault/framevault/internal/splitter"
	"github.com/framevault/framevault/internal/storage"
)

const usage = "Usage: framevault <upload|download|query|search> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "upload":
		os.Exit(runUpload(os.Args[2:]))
	case "download":
		os.Exit(runDownload(os.Args[2:]))
	case "query":
		os.Exit(runQuery(os.Args[2:]))
	case "search":
		os.Exit(runSearch(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", os.Args[1], usage)
		os.Exit(1)
	}
}

// commonFlags registers the flags every subcommand shares.
func commonFlags(fs *flag.FlagSet) (configPath, logLevel, logFormat *string) {
	configPath = fs.String("config", "framevault.yaml", "path to configuration file")
	logLevel = fs.String("log-level", "", "log level: debug, info, warn, error (default: from config)")
	logFormat = fs.String("log-format", "", "log format: text, json (default: from config)")
	return
}

// env holds everything a subcommand needs after setup.
type env struct {
	cfg   *config.Config
	store metadata.Store
	pipe  *pipeline.Pipeline
	ops   *ops.Server
	probe storage.Backend
}

// setup loads configuration, initializes logging and metrics, opens the
// metadata store, and starts the operational listener when one is
// configured. Callers must close the returned env.
func setup(ctx context.Context, configPath, logLevel, logFormat string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	// Command-line flags override config file values.
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	metrics.Register()

	store, err := metadata.Open(ctx, cfg.Metadata.Engine, metadataPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}

	e := &env{
		cfg:   cfg,
		store: store,
		pipe:  pipeline.New(store, cfg.Storage.Settings()),
	}

	// The operational listener serves /metrics and /healthz for the
	// duration of the command. The probe backend exists only for health
	// checks; nothing is written through it.
	if cfg.Ops.Listen != "" {
		probe, err := storage.Open(ctx, cfg.Storage.Settings(), dataset.FramePrefixBase)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: storage health probe unavailable: %v\n", err)
		} else {
			e.probe = probe
		}
	}
	e.ops = ops.New(cfg.Ops.Listen, store, e.probe)
	if err := e.ops.Start(); err != nil {
		e.close()
		return nil, fmt.Errorf("starting ops listener: %w", err)
	}
	return e, nil
}

func (e *env) close() {
	if e.ops != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		e.ops.Shutdown(ctx)
		cancel()
	}
	if e.probe != nil {
		e.probe.Close()
	}
	if e.store != nil {
		e.store.Close()
	}
}

// metadataPath picks the engine-specific path argument for metadata.Open.
func metadataPath(cfg *config.Config) string {
	switch cfg.Metadata.Engine {
	case "postgres":
		return cfg.Metadata.Credentials
	default:
		return cfg.Metadata.SQLite.Path
	}
}

// signalContext returns a context canceled by SIGINT or SIGTERM, so
// in-flight transfers stop at the next checkpoint.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runUpload(args []string) int {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	configPath, logLevel, logFormat := commonFlags(fs)
	id := fs.String("id", "", "dataset serial")
	path := fs.String("path", "", "acquisition file or directory")
	list := fs.String("list", "", "batch upload list CSV (overrides -id and -path)")
	format := fs.String("format", string(splitter.FormatFolder), "acquisition format: micromanager, folder, video, stack")
	noFrames := fs.Bool("no-frames", false, "store the file whole instead of splitting into frames")
	description := fs.String("description", "", "dataset description")
	microscope := fs.String("microscope", "", "acquiring microscope name")
	parent := fs.String("parent", "", "parent dataset serial")
	positions := fs.String("positions", "", "comma-separated position indices to ingest (default: all)")
	workers := fs.Int("workers", 0, "concurrent transfers (default: from config or processor count)")
	collision := fs.String("collision", "", "existing-object policy: skip, abort (default: from config)")
	override := fs.Bool("override", false, "treat an already-ingested serial as a skip, for resuming batches")
	fs.Parse(args)

	ctx, stop := signalContext()
	defer stop()

	e, err := setup(ctx, *configPath, *logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer e.close()

	pol, err := collisionPolicy(*collision, e.cfg.Upload.Collision)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *workers == 0 {
		*workers = e.cfg.Upload.Workers
	}

	base := pipeline.UploadRequest{
		Frames:      !*noFrames,
		Format:      splitter.Format(*format),
		Description: *description,
		Microscope:  *microscope,
		Workers:     *workers,
		Collision:   pol,
		Override:    *override,
	}

	var requests []pipeline.UploadRequest
	if *list != "" {
		entries, err := exchange.ReadUploadList(*list)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading upload list: %v\n", err)
			return 1
		}
		for _, entry := range entries {
			req := base
			req.Serial = entry.Serial
			req.Path = entry.Path
			req.Description = entry.Description
			req.ParentSerial = entry.ParentSerial
			req.Positions = entry.Positions
			requests = append(requests, req)
		}
	} else {
		if *id == "" || *path == "" {
			fmt.Fprintln(os.Stderr, "Error: -id and -path are required without -list")
			return 1
		}
		pos, err := parseIntList(*positions)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid -positions: %v\n", err)
			return 1
		}
		req := base
		req.Serial = *id
		req.Path = *path
		req.ParentSerial = *parent
		req.Positions = pos
		requests = append(requests, req)
	}

	for _, req := range requests {
		res, err := e.pipe.Upload(ctx, req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error uploading %s: %v\n", req.Serial, err)
			return 1
		}
		if res.Skipped {
			fmt.Fprintf(os.Stderr, "Skipped %s: already ingested\n", res.Serial)
			continue
		}
		if res.Frames > 0 {
			fmt.Fprintf(os.Stderr, "Uploaded %s: %d frames in %s\n",
				res.Serial, res.Frames, res.Duration.Round(time.Millisecond))
		} else {
			fmt.Fprintf(os.Stderr, "Uploaded %s in %s\n",
				res.Serial, res.Duration.Round(time.Millisecond))
		}
	}
	return 0
}

func runDownload(args []string) int {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	configPath, logLevel, logFormat := commonFlags(fs)
	id := fs.String("id", "", "dataset serial")
	dest := fs.String("dest", "", "output directory")
	channels := fs.String("channels", "", "comma-separated channel indices or names (default: all)")
	slices := fs.String("slices", "", "comma-separated slice indices (default: all)")
	times := fs.String("times", "", "comma-separated time indices (default: all)")
	positions := fs.String("positions", "", "comma-separated position indices (default: all)")
	workers := fs.Int("workers", 0, "concurrent fetches (default: processor count)")
	verify := fs.Bool("verify", false, "recheck fetched objects against recorded digests")
	assemble := fs.Bool("assemble", false, "assemble the frames into a stack and print its shape instead of writing files")
	fs.Parse(args)

	if *id == "" {
		fmt.Fprintln(os.Stderr, "Error: -id is required")
		return 1
	}
	if !*assemble && *dest == "" {
		fmt.Fprintln(os.Stderr, "Error: -dest is required")
		return 1
	}
	filters, err := parseFilters(*channels, *slices, *times, *positions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signalContext()
	defer stop()

	e, err := setup(ctx, *configPath, *logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer e.close()

	if *assemble {
		s, err := e.pipe.Assemble(ctx, pipeline.AssembleRequest{
			Serial:  *id,
			Filters: filters,
			Workers: *workers,
			Verify:  *verify,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error assembling %s: %v\n", *id, err)
			return 1
		}
		fmt.Printf("%s: shape %v axes %s depth %s (%d samples)\n",
			*id, s.Shape, s.Labels, s.BitDepth, len(s.Samples))
		return 0
	}

	res, err := e.pipe.Download(ctx, pipeline.DownloadRequest{
		Serial:  *id,
		Dest:    *dest,
		Filters: filters,
		Workers: *workers,
		Verify:  *verify,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error downloading %s: %v\n", *id, err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Downloaded %s: %d files to %s in %s\n",
		res.Serial, res.Files, res.Dest, res.Duration.Round(time.Millisecond))
	return 0
}

func runQuery(args []string) int {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	configPath, logLevel, logFormat := commonFlags(fs)
	id := fs.String("id", "", "dataset serial")
	channels := fs.String("channels", "", "comma-separated channel indices or names (default: all)")
	slices := fs.String("slices", "", "comma-separated slice indices (default: all)")
	times := fs.String("times", "", "comma-separated time indices (default: all)")
	positions := fs.String("positions", "", "comma-separated position indices (default: all)")
	fs.Parse(args)

	if *id == "" {
		fmt.Fprintln(os.Stderr, "Error: -id is required")
		return 1
	}
	filters, err := parseFilters(*channels, *slices, *times, *positions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signalContext()
	defer stop()

	e, err := setup(ctx, *configPath, *logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer e.close()

	ds, err := e.store.GetDataset(ctx, *id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("dataset %s\n", ds.Serial)
	fmt.Printf("  acquired:    %s\n", ds.AcquiredAt.Format("2006-01-02 15:04:05"))
	if ds.Microscope != "" {
		fmt.Printf("  microscope:  %s\n", ds.Microscope)
	}
	if ds.Description != "" {
		fmt.Printf("  description: %s\n", ds.Description)
	}

	if !ds.Frames {
		fr, err := e.store.GetFileRecord(ctx, *id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("file %s\n", fr.FileName)
		fmt.Printf("  storage:     %s\n", fr.StorageDir)
		fmt.Printf("  sha256:      %s\n", fr.SHA256)
		return 0
	}

	set, frames, err := e.store.QueryFrames(ctx, *id, filters)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("frames %d of %d (%dx%d, %d colors, %s)\n",
		len(frames), set.NbrFrames, set.ImWidth, set.ImHeight, set.ImColors, set.BitDepth)
	fmt.Printf("  storage:     %s\n", set.StorageDir)
	for _, f := range frames {
		fmt.Printf("  %s  c=%d z=%d t=%d p=%d", f.FileName, f.ChannelIdx, f.SliceIdx, f.TimeIdx, f.PosIdx)
		if f.ChannelName != "" {
			fmt.Printf("  %s", f.ChannelName)
		}
		fmt.Println()
	}
	return 0
}

func runSearch(args []string) int {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath, logLevel, logFormat := commonFlags(fs)
	serial := fs.String("id", "", "serial substring")
	microscope := fs.String("microscope", "", "microscope substring")
	description := fs.String("description", "", "description substring")
	start := fs.String("start", "", "earliest acquisition time (2006-01-02 or 2006-01-02 15:04:05)")
	end := fs.String("end", "", "latest acquisition time")
	fs.Parse(args)

	startAt, err := parseTime(*start)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid -start: %v\n", err)
		return 1
	}
	endAt, err := parseTime(*end)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid -end: %v\n", err)
		return 1
	}

	ctx, stop := signalContext()
	defer stop()

	e, err := setup(ctx, *configPath, *logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer e.close()

	results, err := e.pipe.Search(ctx, metadata.Search{
		Serial:      *serial,
		Microscope:  *microscope,
		Description: *description,
		Start:       startAt,
		End:         endAt,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	for _, ds := range results {
		kind := "file"
		if ds.Frames {
			kind = "frames"
		}
		fmt.Printf("%s  %-6s  %-12s  %s\n", ds.Serial, kind, ds.Microscope, ds.Description)
	}
	fmt.Fprintf(os.Stderr, "%d datasets\n", len(results))
	return 0
}

// collisionPolicy resolves the flag override against the config value.
func collisionPolicy(flagVal, cfgVal string) (storage.CollisionPolicy, error) {
	val := flagVal
	if val == "" {
		val = cfgVal
	}
	switch val {
	case "", string(storage.CollisionSkip):
		return storage.CollisionSkip, nil
	case string(storage.CollisionAbort):
		return storage.CollisionAbort, nil
	default:
		return "", fmt.Errorf("unknown collision policy %q", val)
	}
}

// parseFilters builds the query filters from the four comma-list flags.
// Channels accept either all indices or all names, never a mix.
func parseFilters(channels, slices, times, positions string) (metadata.Filters, error) {
	var f metadata.Filters
	var err error
	if f.Slices, err = parseIntList(slices); err != nil {
		return f, fmt.Errorf("invalid -slices: %w", err)
	}
	if f.Times, err = parseIntList(times); err != nil {
		return f, fmt.Errorf("invalid -times: %w", err)
	}
	if f.Positions, err = parseIntList(positions); err != nil {
		return f, fmt.Errorf("invalid -positions: %w", err)
	}

	items := splitList(channels)
	if len(items) == 0 {
		return f, nil
	}
	var indices []int
	var names []string
	for _, item := range items {
		if n, convErr := strconv.Atoi(item); convErr == nil {
			indices = append(indices, n)
		} else {
			names = append(names, item)
		}
	}
	if len(indices) > 0 && len(names) > 0 {
		return f, fmt.Errorf("-channels must be all indices or all names, got %q", channels)
	}
	f.ChannelIndices = indices
	f.ChannelNames = names
	return f, nil
}

func splitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func parseIntList(s string) ([]int, error) {
	items := splitList(s)
	if len(items) == 0 {
		return nil, nil
	}
	vals := make([]int, len(items))
	for i, item := range items {
		n, err := strconv.Atoi(item)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", item)
		}
		vals[i] = n
	}
	return vals, nil
}

// parseTime accepts a date or a date-time, both interpreted as UTC to
// match acquisition timestamps derived from serials.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q", s)
}
