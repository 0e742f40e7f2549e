package warp

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/golang/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const isoLayout = "2006-01-02T15:04:05.000Z"

// EncodeGranule marshals a granule into the request wire format.
func EncodeGranule(g *Granule) ([]byte, error) {
	fields := map[string]interface{}{
		"operation":  g.Operation,
		"path":       g.Path,
		"band":       float64(g.Band),
		"src_srs":    g.SrcSRS,
		"dst_srs":    g.DstSRS,
		"dst_geot":   floatList(g.DstGeot),
		"width":      float64(g.Width),
		"height":     float64(g.Height),
		"resampling": g.Resampling,
		"no_data":    g.NoData,
		"xs":         floatList(g.Xs),
		"ys":         floatList(g.Ys),
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding granule: %v", err)
	}
	return proto.Marshal(s)
}

// DecodeGranule unmarshals a request; the remote side of the worker
// protocol, used by in-process fakes and worker shims.
func DecodeGranule(data []byte) (*Granule, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decoding granule: %v", err)
	}
	g := &Granule{
		Operation:  fieldString(s, "operation"),
		Path:       fieldString(s, "path"),
		Band:       fieldInt(s, "band"),
		SrcSRS:     fieldString(s, "src_srs"),
		DstSRS:     fieldString(s, "dst_srs"),
		DstGeot:    fieldFloats(s, "dst_geot"),
		Width:      fieldInt(s, "width"),
		Height:     fieldInt(s, "height"),
		Resampling: fieldString(s, "resampling"),
		NoData:     fieldNumber(s, "no_data"),
		Xs:         fieldFloats(s, "xs"),
		Ys:         fieldFloats(s, "ys"),
	}
	return g, nil
}

// EncodeResult marshals a worker response.
func EncodeResult(r *Result) ([]byte, error) {
	fields := map[string]interface{}{
		"error": r.Error,
	}
	if r.Raster != nil {
		fields["raster"] = map[string]interface{}{
			"width":    float64(r.Raster.Width),
			"height":   float64(r.Raster.Height),
			"data_b64": base64.StdEncoding.EncodeToString(float64sToBytes(r.Raster.Data)),
		}
	}
	if r.Info != nil {
		bands := make([]interface{}, len(r.Info.Bands))
		for i, b := range r.Info.Bands {
			bands[i] = map[string]interface{}{
				"index":   float64(b.Index),
				"type":    b.Type,
				"no_data": b.NoData,
			}
		}
		times := make([]interface{}, len(r.Info.Times))
		for i, ts := range r.Info.Times {
			times[i] = ts.UTC().Format(isoLayout)
		}
		fields["info"] = map[string]interface{}{
			"srs":           r.Info.SRS,
			"geo_transform": floatList(r.Info.GeoTransform),
			"x_size":        float64(r.Info.XSize),
			"y_size":        float64(r.Info.YSize),
			"polygon":       r.Info.Polygon,
			"bands":         bands,
			"times":         times,
		}
	}
	if r.Xs != nil {
		fields["xs"] = floatList(r.Xs)
		fields["ys"] = floatList(r.Ys)
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %v", err)
	}
	return proto.Marshal(s)
}

// DecodeResult unmarshals a worker response.
func DecodeResult(data []byte) (*Result, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decoding result: %v", err)
	}
	res := &Result{Error: fieldString(s, "error")}

	if rv := s.Fields["raster"]; rv != nil {
		rs := rv.GetStructValue()
		if rs == nil {
			return nil, fmt.Errorf("decoding result: raster is not a struct")
		}
		raw, err := base64.StdEncoding.DecodeString(fieldString(rs, "data_b64"))
		if err != nil {
			return nil, fmt.Errorf("decoding raster payload: %v", err)
		}
		data, err := bytesToFloat64s(raw)
		if err != nil {
			return nil, fmt.Errorf("decoding raster payload: %v", err)
		}
		raster := &Raster{
			Width:  fieldInt(rs, "width"),
			Height: fieldInt(rs, "height"),
			Data:   data,
		}
		if raster.Width*raster.Height != len(raster.Data) {
			return nil, fmt.Errorf("raster payload is %d samples, want %dx%d", len(raster.Data), raster.Width, raster.Height)
		}
		res.Raster = raster
	}

	if iv := s.Fields["info"]; iv != nil {
		is := iv.GetStructValue()
		if is == nil {
			return nil, fmt.Errorf("decoding result: info is not a struct")
		}
		info := &Info{
			SRS:          fieldString(is, "srs"),
			GeoTransform: fieldFloats(is, "geo_transform"),
			XSize:        fieldInt(is, "x_size"),
			YSize:        fieldInt(is, "y_size"),
			Polygon:      fieldString(is, "polygon"),
		}
		for _, bv := range is.Fields["bands"].GetListValue().GetValues() {
			bs := bv.GetStructValue()
			if bs == nil {
				continue
			}
			info.Bands = append(info.Bands, BandInfo{
				Index:  fieldInt(bs, "index"),
				Type:   fieldString(bs, "type"),
				NoData: fieldNumber(bs, "no_data"),
			})
		}
		for _, tv := range is.Fields["times"].GetListValue().GetValues() {
			ts, err := time.Parse(isoLayout, tv.GetStringValue())
			if err == nil {
				info.Times = append(info.Times, ts)
			}
		}
		res.Info = info
	}

	if s.Fields["xs"] != nil {
		res.Xs = fieldFloats(s, "xs")
		res.Ys = fieldFloats(s, "ys")
	}
	return res, nil
}

func floatList(vals []float64) []interface{} {
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func fieldString(s *structpb.Struct, key string) string {
	return s.Fields[key].GetStringValue()
}

func fieldNumber(s *structpb.Struct, key string) float64 {
	if s.Fields[key] == nil {
		return math.NaN()
	}
	return s.Fields[key].GetNumberValue()
}

func fieldInt(s *structpb.Struct, key string) int {
	v := s.Fields[key]
	if v == nil {
		return 0
	}
	f := v.GetNumberValue()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int(f)
}

func fieldFloats(s *structpb.Struct, key string) []float64 {
	lv := s.Fields[key].GetListValue()
	if lv == nil || len(lv.GetValues()) == 0 {
		return nil
	}
	out := make([]float64, len(lv.GetValues()))
	for i, v := range lv.GetValues() {
		out[i] = v.GetNumberValue()
	}
	return out
}

func float64sToBytes(vals []float64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func bytesToFloat64s(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("payload length %d is not a multiple of 8", len(b))
	}
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out, nil
}
