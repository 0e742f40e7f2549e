package main

/* gocube is the command line front end of the data cube engine. It
   inspects collection stores built by the crawl tool, evaluates
   processing graph documents into raw rasters plus VRT manifests and
   pulls single chunks for inspection. Raster input goes through a
   pool of warp worker processes; the worker executable defaults to
   gocube-warp under warp.LibexecDir and can be overridden per run. */

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/nci/gocube/collection"
	"github.com/nci/gocube/cube"
	"github.com/nci/gocube/metrics"
	"github.com/nci/gocube/processor"
	"github.com/nci/gocube/utils"
	"github.com/nci/gocube/warp"
)

var (
	Error *log.Logger
	Info  *log.Logger
)

var metricsLogger metrics.Logger

func init() {
	Error = log.New(os.Stderr, "gocube: ", log.Ldate|log.Ltime|log.Lshortfile)
	Info = log.New(os.Stderr, "gocube: ", log.Ldate|log.Ltime)
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: gocube <command> [options]

commands:
  describe   list stored collections or show one collection's layout
  export     evaluate a processing graph document into raw rasters
  pull       evaluate one chunk of a processing graph and print it

run 'gocube <command> -h' for the options of a command
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "describe":
		runDescribe(os.Args[2:])
	case "export":
		runExport(os.Args[2:])
	case "pull":
		runPull(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
	}
}

func loadConfig(path string) *utils.Config {
	config := &utils.Config{}
	if path == "" {
		config.ServiceConfig.Concurrency = utils.DefaultConcurrency
		config.ServiceConfig.WarpWorkers = utils.DefaultWarpWorkers
		return config
	}
	if err := config.LoadConfigFile(path); err != nil {
		Error.Fatal(err)
	}
	return config
}

func initMetrics(cfg *utils.ServiceConfig, verbose bool) {
	if cfg.MetricsLogDir != "" {
		metricsLogger = metrics.NewFileLogger(cfg.MetricsLogDir, cfg.MaxLogFileSize, cfg.MaxLogFiles, verbose)
		return
	}
	if verbose {
		metricsLogger = metrics.NewStdoutLogger()
	}
}

func runDescribe(args []string) {
	fs := flag.NewFlagSet("describe", flag.ExitOnError)
	conf := fs.String("conf", "", "config.json path")
	storeURI := fs.String("store", "", "collection store, overrides the config")
	srs := fs.String("srs", "", "report the spatial extent in this SRS instead of EPSG:4326")
	warpExec := fs.String("warp-exec", "", "warp worker executable for -srs transforms")
	fs.Parse(args)

	config := loadConfig(*conf)
	location := *storeURI
	if location == "" {
		location = config.ServiceConfig.IndexStore
	}
	if location == "" {
		Error.Fatal("no collection store; pass -store or set index_store in the config")
	}

	ctx := context.Background()
	store, err := collection.OpenStoreWithPrompt(ctx, location)
	if err != nil {
		Error.Fatal(err)
	}
	defer store.Close()

	if fs.NArg() == 0 {
		names, err := store.Collections(ctx)
		if err != nil {
			Error.Fatal(err)
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return
	}

	var warper warp.Warper
	if *srs != "" {
		executable := *warpExec
		if executable == "" {
			executable = config.ServiceConfig.WarpExecutable
		}
		pool, err := warp.CreateProcessPool(1, executable, false)
		if err != nil {
			Error.Fatal(err)
		}
		warper = pool
	}

	for _, name := range fs.Args() {
		col, err := store.LoadCollection(ctx, name)
		if err != nil {
			Error.Fatal(err)
		}
		fmt.Printf("collection: %s\n", col.Name)
		fmt.Printf("format:     %s\n", col.Format)
		fmt.Printf("entries:    %d\n", len(col.Entries))
		fmt.Printf("bands:      %s\n", strings.Join(col.Bands(), ", "))
		env, err := col.ExtentIn(ctx, warper, *srs)
		if err != nil {
			Error.Fatal(err)
		}
		if env != nil {
			if len(env.BBox) == 4 {
				fmt.Printf("bbox:       %g %g %g %g (%s)\n", env.BBox[0], env.BBox[1], env.BBox[2], env.BBox[3], env.SRS)
			}
			fmt.Printf("time:       %s .. %s\n", env.T0.Format("2006-01-02T15:04:05Z"), env.T1.Format("2006-01-02T15:04:05Z"))
		}
	}
}

// restoreGraph turns a processing graph document into a cube backed by
// its stored collections and a warp worker pool. The returned closer
// releases the stores; workers die with the process.
func restoreGraph(ctx context.Context, cfg *utils.ServiceConfig, graphPath string, workers int, executable string, verbose bool) (cube.Cube, func()) {
	if workers <= 0 {
		workers = cfg.WarpWorkers
	}
	if workers <= 0 {
		workers = utils.DefaultWarpWorkers
	}
	if executable == "" {
		executable = cfg.WarpExecutable
	}

	doc, err := os.ReadFile(graphPath)
	if err != nil {
		Error.Fatal(err)
	}
	locations, err := processor.GraphLocations(doc)
	if err != nil {
		Error.Fatal(err)
	}
	if len(locations) == 0 {
		Error.Fatal("the graph references no stored collections")
	}

	stores := make(map[string]*collection.Store, len(locations))
	closer := func() {
		for _, store := range stores {
			store.Close()
		}
	}
	for _, loc := range locations {
		store, err := collection.OpenStoreWithPrompt(ctx, loc)
		if err != nil {
			closer()
			Error.Fatal(err)
		}
		stores[loc] = store
	}

	pool, err := warp.CreateProcessPool(workers, executable, verbose)
	if err != nil {
		closer()
		Error.Fatal(err)
	}

	c, err := processor.Restore(ctx, doc, &processor.RestoreOptions{
		Warper:  pool,
		Stores:  stores,
		Metrics: metricsLogger,
	})
	if err != nil {
		closer()
		Error.Fatal(err)
	}
	return c, closer
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	conf := fs.String("conf", "", "config.json path")
	graphPath := fs.String("graph", "", "processing graph document")
	outDir := fs.String("o", "", "output directory")
	conc := fs.Int("conc", 0, "concurrent chunk evaluations, overrides the config")
	warpWorkers := fs.Int("warp", 0, "warp worker processes, overrides the config")
	warpExec := fs.String("warp-exec", "", "warp worker executable, overrides the config")
	verbose := fs.Bool("verbose", false, "verbose worker and metrics output")
	fs.Parse(args)

	if *graphPath == "" || *outDir == "" {
		Error.Fatal("export needs -graph and -o")
	}

	config := loadConfig(*conf)
	cfg := &config.ServiceConfig
	initMetrics(cfg, *verbose)

	concurrency := *conc
	if concurrency <= 0 {
		concurrency = cfg.Concurrency
	}
	if concurrency <= 0 {
		concurrency = utils.DefaultConcurrency
	}

	ctx := context.Background()
	c, done := restoreGraph(ctx, cfg, *graphPath, *warpWorkers, *warpExec, *verbose)
	defer done()

	shape := c.Shape()
	Info.Printf("exporting %d bands, %d time slices, %dx%d cells to %s", shape.Bands, shape.T, shape.X, shape.Y, *outDir)
	if err := processor.ExportRaw(ctx, c, *outDir, concurrency); err != nil {
		Error.Fatal(err)
	}
	Info.Printf("done")
}

func parseChunkCoord(s string) (cube.ChunkCoord, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return cube.ChunkCoord{}, fmt.Errorf("invalid chunk coordinate %q, want t,y,x", s)
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return cube.ChunkCoord{}, fmt.Errorf("invalid chunk coordinate %q, want t,y,x", s)
		}
		vals[i] = v
	}
	return cube.ChunkCoord{T: vals[0], Y: vals[1], X: vals[2]}, nil
}

// runPull evaluates a single chunk of a processing graph and writes it
// to stdout as CSV in cube cell coordinates. Missing samples print as
// an empty value field.
func runPull(args []string) {
	fs := flag.NewFlagSet("pull", flag.ExitOnError)
	conf := fs.String("conf", "", "config.json path")
	graphPath := fs.String("graph", "", "processing graph document")
	chunk := fs.String("chunk", "0,0,0", "chunk coordinate t,y,x")
	warpWorkers := fs.Int("warp", 0, "warp worker processes, overrides the config")
	warpExec := fs.String("warp-exec", "", "warp worker executable, overrides the config")
	verbose := fs.Bool("verbose", false, "verbose worker and metrics output")
	fs.Parse(args)

	if *graphPath == "" {
		Error.Fatal("pull needs -graph")
	}
	coord, err := parseChunkCoord(*chunk)
	if err != nil {
		Error.Fatal(err)
	}

	config := loadConfig(*conf)
	cfg := &config.ServiceConfig
	initMetrics(cfg, *verbose)

	ctx := context.Background()
	c, done := restoreGraph(ctx, cfg, *graphPath, *warpWorkers, *warpExec, *verbose)
	defer done()

	shape := c.Shape()
	grid := cube.GridOf(shape, c.ChunkShape())
	if !grid.Contains(coord) {
		Error.Fatalf("chunk %v is outside the %dx%dx%d chunk grid", coord, grid.T, grid.Y, grid.X)
	}

	ch, err := c.ReadChunk(ctx, coord)
	if err != nil {
		Error.Fatal(err)
	}

	bands := c.Bands()
	t0, _, y0, _, x0, _ := c.ChunkShape().Bounds(shape, coord)

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	fmt.Fprintln(w, "band,t,y,x,value")
	if ch.Empty() {
		Info.Printf("chunk %v is empty", coord)
		return
	}
	for b := 0; b < ch.Bands; b++ {
		for t := 0; t < ch.NT; t++ {
			for y := 0; y < ch.NY; y++ {
				for x := 0; x < ch.NX; x++ {
					v := ch.Value(b, t, y, x)
					val := ""
					if !cube.IsNoData(v) {
						val = strconv.FormatFloat(v, 'g', -1, 64)
					}
					fmt.Fprintf(w, "%s,%d,%d,%d,%s\n", bands[b].Name, t0+t, y0+y, x0+x, val)
				}
			}
		}
	}
}
