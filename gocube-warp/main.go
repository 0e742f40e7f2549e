package main

/* gocube-warp is the warp worker subprocess of the data cube engine.
   It listens on a unix domain socket and answers one request per
   connection: warp one band of a dataset onto a target grid, report
   dataset metadata, or project coordinate lists between reference
   systems. Raster access is delegated to the GDAL command line tools,
   so a crash on a broken dataset kills this process and not the
   engine; the pool restarts it. */

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"runtime"

	"github.com/nci/gocube/warp"
)

func sendResult(out *warp.Result, conn net.Conn) error {
	outb, err := warp.EncodeResult(out)
	if err != nil {
		return err
	}
	_, err = conn.Write(outb)
	return err
}

func handleConn(conn net.Conn, verbose bool) {
	defer conn.Close()

	var buf bytes.Buffer
	n, err := io.Copy(&buf, conn)
	if err != nil {
		sendResult(&warp.Result{Error: fmt.Sprintf("reading %d bytes from socket: %v", n, err)}, conn)
		return
	}

	g, err := warp.DecodeGranule(buf.Bytes())
	if err != nil {
		sendResult(&warp.Result{Error: err.Error()}, conn)
		return
	}

	var out *warp.Result
	switch g.Operation {
	case "warp":
		out = warpOperation(g, verbose)
	case "info":
		out = infoOperation(g)
	case "transform":
		out = transformOperation(g)
	default:
		out = &warp.Result{Error: fmt.Sprintf("unknown operation: %s", g.Operation)}
	}

	if err := sendResult(out, conn); err != nil {
		log.Println(err)
	}
}

func init() {
	// keep workers small, the pool provides the parallelism
	if _, ok := os.LookupEnv("GOMAXPROCS"); !ok {
		runtime.GOMAXPROCS(2)
	}
}

func main() {
	sock := flag.String("sock", "", "unix socket path")
	verbose := flag.Bool("verbose", false, "verbose logging")
	flag.Parse()

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: *sock, Net: "unix"})
	if err != nil {
		log.Fatal(err)
	}
	defer os.Remove(*sock)

	log.Println("listening on", *sock)

	for {
		conn, err := l.Accept()
		if err != nil {
			log.Fatal(err)
		}
		handleConn(conn, *verbose)
	}
}
