package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/nci/gocube/collection"
	"github.com/nci/gocube/utils"
	"github.com/nci/gocube/warp"
)

var (
	formatFile  = flag.String("format", "", "YAML format description the files are matched against")
	name        = flag.String("name", "", "collection name, the format name when empty")
	indexURI    = flag.String("index", "", "write the collection into this index store instead of stdout")
	appendEntry = flag.Bool("append", false, "append to an existing stored collection")
	conc        = flag.Int("conc", utils.DefaultConcurrency, "concurrent metadata probes")
	warpWorkers = flag.Int("warp", utils.DefaultWarpWorkers, "warp worker processes, 0 skips metadata probing")
	warpExec    = flag.String("warp-exec", "", "warp worker executable")
	verbose     = flag.Bool("verbose", false, "log every skipped or failed file")
)

func ensure(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

// gatherFiles expands the argument list: directories are walked
// recursively, plain files pass through and "-" reads one path per
// line from stdin.
func gatherFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		if arg == "-" {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line != "" {
					files = append(files, line)
				}
			}
			if err := scanner.Err(); err != nil {
				return nil, err
			}
			continue
		}
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func main() {
	flag.Parse()

	if *formatFile == "" {
		log.Fatal("a -format description is required")
	}
	if flag.NArg() == 0 {
		log.Fatal("provide files, directories or '-' for reading paths from stdin")
	}

	format, err := collection.LoadFormat(*formatFile)
	ensure(err)

	colName := *name
	if colName == "" {
		colName = format.Name
	}

	files, err := gatherFiles(flag.Args())
	ensure(err)
	if len(files) == 0 {
		log.Fatal("no input files")
	}

	var warper warp.Warper
	if *warpWorkers > 0 {
		pool, err := warp.CreateProcessPool(*warpWorkers, *warpExec, *verbose)
		ensure(err)
		warper = pool
	}

	ctx := context.Background()
	col, report, err := collection.Build(ctx, colName, files, format, &collection.BuildOptions{
		Concurrency: *conc,
		Warper:      warper,
	})
	ensure(err)

	for _, xe := range report.Errors {
		if *verbose {
			log.Printf("skipping %v", xe)
		}
	}
	log.Printf("indexed %d entries, skipped %d files, %d errors", report.Indexed, report.Skipped, len(report.Errors))

	if *indexURI == "" {
		out, err := json.Marshal(col)
		ensure(err)
		_, err = os.Stdout.Write(out)
		ensure(err)
		fmt.Println()
		return
	}

	store, err := collection.OpenStoreWithPrompt(ctx, *indexURI)
	ensure(err)
	defer store.Close()

	if *appendEntry {
		n, err := store.Append(ctx, colName, format.Name, col.Entries)
		ensure(err)
		log.Printf("appended %d new entries to %s", n, colName)
		return
	}
	ensure(store.SaveCollection(ctx, col))
	log.Printf("saved collection %s with %d entries", colName, len(col.Entries))
}
