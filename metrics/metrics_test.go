package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestToJSON(t *testing.T) {
	mc := NewMetricsCollector(nil)
	mc.Info.Op = "raster"
	mc.Info.Collection = "l8&s2"
	mc.Info.Chunk = [3]int{1, 2, 3}
	mc.Info.Query.NumEntries = 7
	mc.Info.Warp.NumGranules = 14

	out, err := mc.Info.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("records must be newline terminated")
	}
	if !strings.Contains(out, `"chunk":[1,2,3]`) {
		t.Errorf("chunk missing: %s", out)
	}
	if !strings.Contains(out, `"l8&s2"`) {
		t.Errorf("html escaping must be off: %s", out)
	}
	if !strings.Contains(out, `"num_entries":7`) || !strings.Contains(out, `"num_granules":14`) {
		t.Errorf("nested records missing: %s", out)
	}
}

func TestFileLogger(t *testing.T) {
	dir := t.TempDir()
	l := NewFileLogger(dir, 0, 0, false)
	mc := NewMetricsCollector(l)
	mc.Info.Op = "raster"
	mc.Log()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for i := 0; i < defaultLogWriters; i++ {
			data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("log%d", i)))
			if err == nil && strings.Contains(string(data), `"op":"raster"`) {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("metrics record never written")
}
