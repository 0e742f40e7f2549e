package main

/* accept exercises a running catalog service from the outside: it
   checks the listing and describe endpoints answer well formed JSON
   and hammers the query endpoint with a list of request templates at
   a configurable concurrency. Exit status is non zero on the first
   failing suite, so it slots into CI and deployment checks. */

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"golang.org/x/crypto/ssh/terminal"

	proc "github.com/nci/gocube/processor"
)

var passed = "Passed"
var failed = "Failed"

func getJSON(url string, out interface{}) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("%s: status %d: %s", url, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: %v", url, err)
	}
	return nil
}

// Catalog verifies the listing endpoint and the description of every
// collection it reports.
func Catalog(host string) error {
	var listing struct {
		Collections []string `json:"collections"`
	}
	if err := getJSON(fmt.Sprintf("http://%s/collections", host), &listing); err != nil {
		return err
	}
	for _, name := range listing.Collections {
		var described map[string]interface{}
		if err := getJSON(fmt.Sprintf("http://%s/%s?describe", host, name), &described); err != nil {
			return err
		}
	}
	return nil
}

// Query fires every URL template in urlList at the host concurrently
// and reports whether all of them answered 200.
func Query(host, urlList string, concLevel int) (bool, time.Duration) {
	out := true
	start := time.Now()
	f, err := os.Open(urlList)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	conc := proc.NewConcLimiter(concLevel)
	results := make(chan int)
	defer close(results)
	go func() {
		for res := range results {
			if res != 200 {
				out = false
			}
		}
	}()

	ctx := context.Background()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if scanner.Text() == "" {
			continue
		}
		conc.Acquire(ctx)
		go func(url string) {
			defer conc.Release()
			resp, err := http.Get(fmt.Sprintf(url, host))
			if err != nil {
				log.Fatal(err)
			}
			resp.Body.Close()
			results <- resp.StatusCode
		}(scanner.Text())
	}

	conc.Wait()

	return out, time.Since(start)
}

func inRed(str string) string {
	return fmt.Sprintf("\x1b[31;1m%s\x1b[0m", str)
}

func inGreen(str string) string {
	return fmt.Sprintf("\x1b[32;1m%s\x1b[0m", str)
}

func main() {
	host := flag.String("h", "127.0.0.1:8080", "catalog service host name or address")
	suite := flag.String("s", "catalog", "test suite [catalog, query]")
	urls := flag.String("u", "acpt_urls.tpl", "file of query URL templates, %s is the host")
	conc := flag.Int("n", 6, "concurrency level for the query suite")
	flag.Parse()

	if terminal.IsTerminal(int(os.Stdout.Fd())) {
		passed = inGreen(passed)
		failed = inRed(failed)
	}

	switch *suite {
	case "catalog":
		fmt.Printf("Testing collection listing and extents: ")
		if err := Catalog(*host); err != nil {
			fmt.Println(failed, err)
			os.Exit(1)
		}
		fmt.Println(passed)
	case "query":
		fmt.Printf("Testing concurrent catalog queries: ")
		ok, t := Query(*host, *urls, *conc)
		if !ok {
			fmt.Println(failed)
			os.Exit(1)
		}
		fmt.Println(passed, t)
	default:
		fmt.Fprintf(os.Stderr, "unknown suite %q\n", *suite)
		os.Exit(2)
	}
}
