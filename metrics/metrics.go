package metrics

import (
	"bytes"
	"encoding/json"
	"time"
)

// QueryInfo times the collection lookup behind one chunk read.
type QueryInfo struct {
	Duration   time.Duration `json:"duration"`
	BBox       []float64     `json:"bbox,omitempty"`
	NumEntries int           `json:"num_entries"`
}

// WarpInfo times the raster reads behind one chunk read.
type WarpInfo struct {
	Duration    time.Duration `json:"duration"`
	NumGranules int           `json:"num_granules"`
	NumFaults   int           `json:"num_faults"`
}

type MetricsInfo struct {
	ReqTime     string        `json:"req_time"`
	ReqDuration time.Duration `json:"req_duration"`
	Collection  string        `json:"collection,omitempty"`
	Op          string        `json:"op"`
	Chunk       [3]int        `json:"chunk"`
	EmptyChunk  bool          `json:"empty_chunk"`
	Query       *QueryInfo    `json:"query"`
	Warp        *WarpInfo     `json:"warp"`
}

type MetricsCollector struct {
	Info   *MetricsInfo
	logger Logger
}

func NewMetricsCollector(logger Logger) *MetricsCollector {
	return &MetricsCollector{
		Info: &MetricsInfo{
			Query: &QueryInfo{},
			Warp:  &WarpInfo{},
		},
		logger: logger,
	}
}

func (m *MetricsCollector) Log() {
	if m.logger != nil {
		m.logger.Log(m.Info)
	}
}

func (i *MetricsInfo) ToJSON() (string, error) {
	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(i)
	if err == nil {
		return buf.String(), nil
	}
	return "", err
}
