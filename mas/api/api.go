// Catalog API

package main

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"github.com/nci/gocube/collection"
	"github.com/nci/gocube/utils"
	"github.com/nci/gomemcache/memcache"
	"golang.org/x/net/netutil"
)

var (
	store     *collection.Store
	mc        *memcache.Client
	storeURI  = flag.String("store", "catalog.db", "collection store: sqlite path or postgres:// URI")
	httpPort  = flag.Int("port", 8080, "http port")
	connLimit = flag.Int("limit", 64, "concurrent http connections")
	mcURI     = flag.String("memcache", "", "memcache uri host:port")
)

// Spit out a simple JSON-formatted error message for Content-Type: application/json
func httpJSONError(response http.ResponseWriter, err error, status int) {
	http.Error(response, fmt.Sprintf(`{ "error": %q }`, err.Error()), status)
}

func writeJSON(response http.ResponseWriter, hash string, payload interface{}) {
	buf, err := json.Marshal(payload)
	if err != nil {
		httpJSONError(response, err, 500)
		return
	}
	response.Write(buf)

	if mc != nil && hash != "" {
		// don't care about errors; memcache may not necessarily retain this anyway
		mc.Set(&memcache.Item{Key: hash, Value: buf})
	}
}

func parseBBox(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox wants left,bottom,right,top")
	}
	bbox := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bbox: %v", err)
		}
		bbox[i] = v
	}
	return bbox, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// queryGeometry resolves the spatial predicate of a request: a wkt or
// geom polygon, or a plain bbox. Polygons come back alongside their
// bounding box so matches can be refined beyond the box test. The
// index stores footprints in EPSG:4326 and no reprojection machinery
// lives in this service, so any other srs is rejected.
func queryGeometry(query url.Values) ([]float64, [][][][]float64, error) {
	if srs := query.Get("srs"); srs != "" && !strings.EqualFold(srs, "EPSG:4326") {
		return nil, nil, fmt.Errorf("geometry srs '%s' is not supported; footprints are indexed in EPSG:4326", srs)
	}
	if wkt := query.Get("wkt"); wkt != "" {
		polys, err := utils.ParseWKTPolygons(wkt)
		if err != nil {
			return nil, nil, err
		}
		return utils.PolygonsBBox(polys), polys, nil
	}
	if g := query.Get("geom"); g != "" {
		polys, err := utils.ParseGeoJSONPolygons([]byte(g))
		if err != nil {
			return nil, nil, err
		}
		return utils.PolygonsBBox(polys), polys, nil
	}
	bbox, err := parseBBox(query.Get("bbox"))
	return bbox, nil, err
}

func serveExtent(response http.ResponseWriter, ctx context.Context, hash, name string) {
	env, err := store.Extent(ctx, name)
	if err != nil {
		httpJSONError(response, err, 400)
		return
	}
	if env == nil {
		httpJSONError(response, fmt.Errorf("collection '%s' has no entries", name), 404)
		return
	}
	writeJSON(response, hash, env)
}

func serveDescribe(response http.ResponseWriter, ctx context.Context, hash, name string) {
	col, err := store.LoadCollection(ctx, name)
	if err != nil {
		httpJSONError(response, err, 404)
		return
	}
	writeJSON(response, hash, map[string]interface{}{
		"collection": col.Name,
		"format":     col.Format,
		"bands":      col.Bands(),
		"entries":    len(col.Entries),
		"extent":     col.Extent(),
	})
}

func serveQuery(response http.ResponseWriter, ctx context.Context, hash, name string, query url.Values) {
	bbox, polys, err := queryGeometry(query)
	if err != nil {
		httpJSONError(response, err, 400)
		return
	}
	t0, err := parseTime(query.Get("time"))
	if err != nil {
		httpJSONError(response, err, 400)
		return
	}
	t1, err := parseTime(query.Get("until"))
	if err != nil {
		httpJSONError(response, err, 400)
		return
	}
	var bands []string
	namespaces := query.Get("namespace")
	if namespaces == "" {
		namespaces = query.Get("bands")
	}
	if namespaces != "" {
		bands = strings.Split(namespaces, ",")
	}

	entries, err := store.Query(ctx, name, bbox, t0, t1, bands)
	if err != nil {
		httpJSONError(response, err, 400)
		return
	}
	if polys != nil {
		kept := entries[:0]
		for _, e := range entries {
			if e.BBox == nil || utils.PolygonsIntersectBBox(polys, e.BBox) {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	writeJSON(response, hash, map[string]interface{}{
		"collection": name,
		"count":      len(entries),
		"entries":    entries,
	})
}

func handler(response http.ResponseWriter, request *http.Request) {

	response.Header().Set("Content-Type", "application/json")

	var hash string

	if mc != nil {

		buff := md5.Sum([]byte(request.URL.RequestURI()))
		hash = hex.EncodeToString(buff[:])

		if cached, ok := mc.Get(hash); ok == nil {
			response.Write(cached.Value)
			return
		}
	}

	ctx := request.Context()
	path := strings.Trim(request.URL.Path, "/")

	if path == "" || path == "collections" {
		names, err := store.Collections(ctx)
		if err != nil {
			httpJSONError(response, err, 500)
			return
		}
		writeJSON(response, hash, map[string]interface{}{"collections": names})
		return
	}

	parts := strings.SplitN(path, "/", 2)
	name := parts[0]

	// OGC-style case-insensitive parameter keys
	query, err := utils.ParseQuery(request.URL.RawQuery)
	if err != nil {
		httpJSONError(response, err, 400)
		return
	}

	_, wantExtent := query["extent"]
	_, wantDescribe := query["describe"]
	_, wantIntersects := query["intersects"]

	switch {
	case (len(parts) == 2 && parts[1] == "extent") || wantExtent:
		serveExtent(response, ctx, hash, name)
	case wantDescribe:
		serveDescribe(response, ctx, hash, name)
	case wantIntersects:
		serveQuery(response, ctx, hash, name, query)
	default:
		httpJSONError(response, errors.New("unknown operation; currently supported: /collections, /{collection}?describe, /{collection}?extent, /{collection}?intersects"), 400)
	}
}

func main() {

	flag.Parse()

	log.Printf("store %s httpPort %d limit %d", *storeURI, *httpPort, *connLimit)

	var err error
	store, err = collection.OpenStore(context.Background(), *storeURI)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if *mcURI != "" {
		// lazy connection; errors returned in .Get
		mc = memcache.New(*mcURI)
	}

	listener, err := reuseport.Listen("tcp", fmt.Sprintf(":%d", *httpPort))
	if err != nil {
		log.Fatal(err)
	}

	http.HandleFunc("/", handler)
	log.Fatal(http.Serve(netutil.LimitListener(listener, *connLimit), nil))
}
