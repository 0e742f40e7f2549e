package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nci/gocube/warp"
)

// GDAL tools this worker shells out to. Vars so tests can point them
// at fakes.
var (
	gdalinfoBin      = "gdalinfo"
	gdalwarpBin      = "gdalwarp"
	gdalTranslateBin = "gdal_translate"
	gdaltransformBin = "gdaltransform"
)

func runTool(stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdin = stdin
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %v: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %v", name, err)
	}
	return out.Bytes(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func transformOperation(g *warp.Granule) *warp.Result {
	if len(g.Xs) != len(g.Ys) {
		return &warp.Result{Error: fmt.Sprintf("transform: %d xs vs %d ys", len(g.Xs), len(g.Ys))}
	}
	var in bytes.Buffer
	for i := range g.Xs {
		fmt.Fprintf(&in, "%s %s\n", formatFloat(g.Xs[i]), formatFloat(g.Ys[i]))
	}
	out, err := runTool(&in, gdaltransformBin, "-s_srs", g.SrcSRS, "-t_srs", g.DstSRS, "-output_xy")
	if err != nil {
		return &warp.Result{Error: err.Error()}
	}
	xs := make([]float64, 0, len(g.Xs))
	ys := make([]float64, 0, len(g.Ys))
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		x, errX := strconv.ParseFloat(fields[0], 64)
		y, errY := strconv.ParseFloat(fields[1], 64)
		if errX != nil || errY != nil {
			return &warp.Result{Error: fmt.Sprintf("transform: cannot parse %q", line)}
		}
		xs = append(xs, x)
		ys = append(ys, y)
	}
	if len(xs) != len(g.Xs) {
		return &warp.Result{Error: fmt.Sprintf("transform: %d points in, %d out", len(g.Xs), len(xs))}
	}
	return &warp.Result{Xs: xs, Ys: ys}
}

// noDataValue accepts both the numeric and the quoted "nan" spellings
// gdalinfo emits.
type noDataValue float64

func (n *noDataValue) UnmarshalJSON(b []byte) error {
	v, err := strconv.ParseFloat(strings.Trim(string(b), `"`), 64)
	if err != nil {
		return fmt.Errorf("no-data value %s: %v", string(b), err)
	}
	*n = noDataValue(v)
	return nil
}

type gdalInfoDoc struct {
	Size             []int     `json:"size"`
	GeoTransform     []float64 `json:"geoTransform"`
	CoordinateSystem struct {
		WKT string `json:"wkt"`
	} `json:"coordinateSystem"`
	Bands []struct {
		Band        int          `json:"band"`
		Type        string       `json:"type"`
		NoDataValue *noDataValue `json:"noDataValue"`
	} `json:"bands"`
	Metadata map[string]map[string]string `json:"metadata"`
}

func infoOperation(g *warp.Granule) *warp.Result {
	if g.Path == "" {
		return &warp.Result{Error: "info: empty path"}
	}
	out, err := runTool(nil, gdalinfoBin, "-json", g.Path)
	if err != nil {
		return &warp.Result{Error: err.Error()}
	}
	var doc gdalInfoDoc
	if err := json.Unmarshal(out, &doc); err != nil {
		return &warp.Result{Error: fmt.Sprintf("info: parsing gdalinfo output for %s: %v", g.Path, err)}
	}
	if len(doc.Size) != 2 {
		return &warp.Result{Error: fmt.Sprintf("info: %s reports no raster size", g.Path)}
	}
	info := &warp.Info{
		SRS:          doc.CoordinateSystem.WKT,
		GeoTransform: doc.GeoTransform,
		XSize:        doc.Size[0],
		YSize:        doc.Size[1],
	}
	if len(doc.GeoTransform) == 6 {
		info.Polygon = footprintWKT(doc.GeoTransform, doc.Size[0], doc.Size[1])
	}
	for _, b := range doc.Bands {
		nd := math.NaN()
		if b.NoDataValue != nil {
			nd = float64(*b.NoDataValue)
		}
		info.Bands = append(info.Bands, warp.BandInfo{Index: b.Band, Type: b.Type, NoData: nd})
	}
	info.Times = ncTimes(doc.Metadata[""])
	return &warp.Result{Info: info}
}

// footprintWKT is the dataset outline in its own SRS, the four corners
// of the pixel grid pushed through the geotransform.
func footprintWKT(geot []float64, xSize, ySize int) string {
	corners := [][2]float64{{0, 0}, {float64(xSize), 0}, {float64(xSize), float64(ySize)}, {0, float64(ySize)}, {0, 0}}
	pts := make([]string, len(corners))
	for i, c := range corners {
		x := geot[0] + c[0]*geot[1] + c[1]*geot[2]
		y := geot[3] + c[0]*geot[4] + c[1]*geot[5]
		pts[i] = formatFloat(x) + " " + formatFloat(y)
	}
	return "POLYGON ((" + strings.Join(pts, ",") + "))"
}

var ncDateFormats = []string{"2006-01-02 15:04:05.0", "2006-1-2 15:4:5", "2006-01-02"}

var ncDurationUnits = map[string]time.Duration{
	"seconds": time.Second,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
}

// ncTimes decodes the time axis a netCDF subdataset exposes through
// GDAL metadata, "time#units" plus NETCDF_DIM_time_VALUES. Datasets
// without one simply have no time axis; the indexer derives times
// from file names instead.
func ncTimes(meta map[string]string) []time.Time {
	units, ok := meta["time#units"]
	if !ok {
		return nil
	}
	words := strings.Fields(units)
	if len(words) < 3 || words[1] != "since" {
		return nil
	}
	step, ok := ncDurationUnits[words[0]]
	if !ok {
		return nil
	}
	start, err := ncDate(strings.Join(words[2:], " "))
	if err != nil {
		return nil
	}
	values, ok := meta["NETCDF_DIM_time_VALUES"]
	if !ok {
		return nil
	}
	var times []time.Time
	for _, s := range strings.Split(strings.Trim(values, "{}"), ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil
		}
		secs, _ := math.Modf(v)
		times = append(times, start.Add(time.Duration(secs)*step))
	}
	return times
}

func ncDate(s string) (time.Time, error) {
	for _, layout := range ncDateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse date %q", s)
}

func warpOperation(g *warp.Granule, verbose bool) *warp.Result {
	if g.Path == "" {
		return &warp.Result{Error: "warp: empty path"}
	}
	if g.Width <= 0 || g.Height <= 0 {
		return &warp.Result{Error: fmt.Sprintf("warp: bad window %dx%d", g.Width, g.Height)}
	}
	if len(g.DstGeot) != 6 {
		return &warp.Result{Error: "warp: destination geotransform needs 6 coefficients"}
	}

	dir, err := os.MkdirTemp("", "gocube_warp_")
	if err != nil {
		return &warp.Result{Error: err.Error()}
	}
	defer os.RemoveAll(dir)

	// gdalwarp has no band selection, so the band is first isolated
	// in a VRT
	band := g.Band
	if band <= 0 {
		band = 1
	}
	srcVRT := filepath.Join(dir, "band.vrt")
	if _, err := runTool(nil, gdalTranslateBin, "-q", "-of", "VRT", "-b", strconv.Itoa(band), g.Path, srcVRT); err != nil {
		return &warp.Result{Error: err.Error()}
	}

	left := g.DstGeot[0]
	top := g.DstGeot[3]
	right := left + float64(g.Width)*g.DstGeot[1]
	bottom := top + float64(g.Height)*g.DstGeot[5]

	args := []string{
		"-of", "ENVI", "-ot", "Float64",
		"-te", formatFloat(left), formatFloat(bottom), formatFloat(right), formatFloat(top),
		"-ts", strconv.Itoa(g.Width), strconv.Itoa(g.Height),
		"-dstnodata", "nan",
	}
	if !verbose {
		args = append(args, "-q")
	}
	if g.Resampling != "" {
		args = append(args, "-r", g.Resampling)
	}
	if g.SrcSRS != "" {
		args = append(args, "-s_srs", g.SrcSRS)
	}
	if g.DstSRS != "" {
		args = append(args, "-t_srs", g.DstSRS)
	}
	if !math.IsNaN(g.NoData) {
		args = append(args, "-srcnodata", formatFloat(g.NoData))
	}
	dst := filepath.Join(dir, "out.img")
	args = append(args, srcVRT, dst)
	if _, err := runTool(nil, gdalwarpBin, args...); err != nil {
		return &warp.Result{Error: err.Error()}
	}

	raw, err := os.ReadFile(dst)
	if err != nil {
		return &warp.Result{Error: err.Error()}
	}
	want := g.Width * g.Height * 8
	if len(raw) != want {
		return &warp.Result{Error: fmt.Sprintf("warp: %s is %d bytes, want %d", dst, len(raw), want)}
	}
	data := make([]float64, g.Width*g.Height)
	for i := range data {
		data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return &warp.Result{Raster: &warp.Raster{Width: g.Width, Height: g.Height, Data: data}}
}
