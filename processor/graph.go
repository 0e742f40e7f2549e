package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nci/gocube/collection"
	"github.com/nci/gocube/cube"
	"github.com/nci/gocube/metrics"
	"github.com/nci/gocube/utils"
	"github.com/nci/gocube/warp"
)

// The processing graph document is the durable form of a cube: a DAG
// of operator nodes with the raster leaves carrying collection
// location, view and band layout. Node ids are assigned in
// dependency-first order, so serializing a restored graph reproduces
// the document byte for byte.

const graphVersion = 1

type graphNode struct {
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
	Inputs []string        `json:"inputs,omitempty"`
}

type graphDoc struct {
	Version int          `json:"gocube_graph"`
	Nodes   []*graphNode `json:"nodes"`
	Root    string       `json:"root"`
}

type rasterParams struct {
	Location   string           `json:"location,omitempty"`
	Collection string           `json:"collection"`
	View       *cube.View       `json:"view"`
	Bands      []string         `json:"bands,omitempty"`
	Mask       *utils.Mask      `json:"mask,omitempty"`
	ChunkShape *cube.ChunkShape `json:"chunk_shape,omitempty"`
}

type applyPixelParams struct {
	Expr []string `json:"expr"`
	Keep bool     `json:"keep,omitempty"`
}

type filterPixelParams struct {
	Predicate string `json:"predicate"`
}

type filterGeomParams struct {
	Geometry json.RawMessage `json:"geometry"`
	SRS      string          `json:"srs,omitempty"`
	Kind     string          `json:"kind,omitempty"`
}

type selectBandsParams struct {
	Bands []string `json:"bands"`
}

type joinBandsParams struct {
	Prefixes []string `json:"prefixes"`
}

type reduceParams struct {
	Reducers []string `json:"reducers"`
}

type windowTimeParams struct {
	Window   [2]int    `json:"window"`
	Kernel   []float64 `json:"kernel,omitempty"`
	Reducers []string  `json:"reducers,omitempty"`
}

type fillTimeParams struct {
	Method string `json:"method"`
}

type serializer struct {
	nodes []*graphNode
	ids   map[cube.Cube]string
}

// Serialize writes the processing graph document of a cube. Cubes
// holding user callables have no durable form and are rejected.
func Serialize(c cube.Cube) ([]byte, error) {
	s := &serializer{ids: make(map[cube.Cube]string)}
	root, err := s.visit(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&graphDoc{Version: graphVersion, Nodes: s.nodes, Root: root})
}

func (s *serializer) visit(c cube.Cube) (string, error) {
	if id, found := s.ids[c]; found {
		return id, nil
	}

	var (
		op     string
		params interface{}
		inputs []string
	)
	switch t := c.(type) {
	case *RasterCube:
		op = "raster"
		params = &rasterParams{
			Location:   t.col.Location,
			Collection: t.col.Name,
			View:       &t.view,
			Bands:      t.bandNames,
			Mask:       t.mask,
			ChunkShape: &t.cs,
		}
	case *ApplyPixelCube:
		in, err := s.visit(t.src)
		if err != nil {
			return "", err
		}
		op, inputs = "apply_pixel", []string{in}
		params = &applyPixelParams{Expr: t.exprTexts, Keep: t.keep}
	case *FilterPixelCube:
		in, err := s.visit(t.src)
		if err != nil {
			return "", err
		}
		op, inputs = "filter_pixel", []string{in}
		params = &filterPixelParams{Predicate: t.predicate}
	case *FilterGeomCube:
		in, err := s.visit(t.src)
		if err != nil {
			return "", err
		}
		kind := "inside"
		if !t.inside {
			kind = "outside"
		}
		op, inputs = "filter_geom", []string{in}
		params = &filterGeomParams{Geometry: json.RawMessage(t.geojson), SRS: t.srs, Kind: kind}
	case *SelectBandsCube:
		in, err := s.visit(t.src)
		if err != nil {
			return "", err
		}
		op, inputs = "select_bands", []string{in}
		params = &selectBandsParams{Bands: t.names}
	case *JoinBandsCube:
		for _, src := range t.srcs {
			in, err := s.visit(src)
			if err != nil {
				return "", err
			}
			inputs = append(inputs, in)
		}
		op = "join_bands"
		params = &joinBandsParams{Prefixes: t.prefixes}
	case *ReduceTimeCube:
		in, err := s.visit(t.src)
		if err != nil {
			return "", err
		}
		op, inputs = "reduce_time", []string{in}
		params = &reduceParams{Reducers: t.reducers}
	case *ReduceSpaceCube:
		in, err := s.visit(t.src)
		if err != nil {
			return "", err
		}
		op, inputs = "reduce_space", []string{in}
		params = &reduceParams{Reducers: t.reducers}
	case *WindowTimeCube:
		in, err := s.visit(t.src)
		if err != nil {
			return "", err
		}
		op, inputs = "window_time", []string{in}
		params = &windowTimeParams{Window: [2]int{t.before, t.after}, Kernel: t.kernel, Reducers: t.reducers}
	case *FillTimeCube:
		in, err := s.visit(t.src)
		if err != nil {
			return "", err
		}
		op, inputs = "fill_time", []string{in}
		params = &fillTimeParams{Method: t.method}
	case *ReduceTimeFuncCube:
		return "", &cube.ConfigurationError{Field: "graph", Reason: "reduce_time with a user reducer is not serializable"}
	case *ReduceSpaceFuncCube:
		return "", &cube.ConfigurationError{Field: "graph", Reason: "reduce_space with a user reducer is not serializable"}
	case *ApplyTimeCube:
		return "", &cube.ConfigurationError{Field: "graph", Reason: "apply_time is not serializable"}
	default:
		return "", &cube.ConfigurationError{Field: "graph", Reason: fmt.Sprintf("cube %T is not serializable", c)}
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	id := fmt.Sprintf("n%d", len(s.nodes)+1)
	s.ids[c] = id
	s.nodes = append(s.nodes, &graphNode{ID: id, Op: op, Params: raw, Inputs: inputs})
	return id, nil
}

// GraphLocations lists the distinct store locations the raster leaves
// of a graph document reference, in document order. Callers open these
// before Restore.
func GraphLocations(doc []byte) ([]string, error) {
	var g graphDoc
	if err := json.Unmarshal(doc, &g); err != nil {
		return nil, &cube.ConfigurationError{Field: "graph", Reason: err.Error()}
	}
	var locs []string
	seen := make(map[string]struct{})
	for _, node := range g.Nodes {
		if node.Op != "raster" || len(node.Params) == 0 {
			continue
		}
		var p rasterParams
		if err := json.Unmarshal(node.Params, &p); err != nil {
			return nil, &cube.ConfigurationError{Field: "graph", Reason: fmt.Sprintf("node '%s': %v", node.ID, err)}
		}
		if p.Location == "" {
			continue
		}
		if _, dup := seen[p.Location]; dup {
			continue
		}
		seen[p.Location] = struct{}{}
		locs = append(locs, p.Location)
	}
	return locs, nil
}

// RestoreOptions supplies the collaborators a restored graph needs:
// the warper for raster leaves and geometry filters, and the open
// stores keyed by the location recorded in raster nodes.
type RestoreOptions struct {
	Warper  warp.Warper
	Stores  map[string]*collection.Store
	Metrics metrics.Logger
}

type restorer struct {
	ctx      context.Context
	opts     *RestoreOptions
	nodes    map[string]*graphNode
	memo     map[string]cube.Cube
	building map[string]bool
}

// Restore reconstructs the cube of a processing graph document.
// Pulling a chunk from the result matches pulling it from the cube the
// document was serialized from.
func Restore(ctx context.Context, doc []byte, opts *RestoreOptions) (cube.Cube, error) {
	if opts == nil {
		opts = &RestoreOptions{}
	}
	var g graphDoc
	if err := json.Unmarshal(doc, &g); err != nil {
		return nil, &cube.ConfigurationError{Field: "graph", Reason: err.Error()}
	}
	if g.Version != graphVersion {
		return nil, &cube.ConfigurationError{Field: "graph", Reason: fmt.Sprintf("unsupported graph version %d", g.Version)}
	}
	if len(g.Root) == 0 {
		return nil, &cube.ConfigurationError{Field: "graph", Reason: "missing root node"}
	}

	r := &restorer{
		ctx:      ctx,
		opts:     opts,
		nodes:    make(map[string]*graphNode, len(g.Nodes)),
		memo:     make(map[string]cube.Cube),
		building: make(map[string]bool),
	}
	for _, node := range g.Nodes {
		if _, dup := r.nodes[node.ID]; dup {
			return nil, &cube.ConfigurationError{Field: "graph", Reason: fmt.Sprintf("duplicate node '%s'", node.ID)}
		}
		r.nodes[node.ID] = node
	}
	return r.build(g.Root)
}

func (r *restorer) build(id string) (cube.Cube, error) {
	if c, found := r.memo[id]; found {
		return c, nil
	}
	if r.building[id] {
		return nil, &cube.ConfigurationError{Field: "graph", Reason: fmt.Sprintf("cycle through node '%s'", id)}
	}
	node := r.nodes[id]
	if node == nil {
		return nil, &cube.ConfigurationError{Field: "graph", Reason: fmt.Sprintf("unknown node '%s'", id)}
	}
	r.building[id] = true
	defer delete(r.building, id)

	inputs := make([]cube.Cube, len(node.Inputs))
	for i, in := range node.Inputs {
		c, err := r.build(in)
		if err != nil {
			return nil, err
		}
		inputs[i] = c
	}

	var (
		c   cube.Cube
		err error
	)
	switch node.Op {
	case "raster":
		if err := wantInputs(node, 0); err != nil {
			return nil, err
		}
		c, err = r.buildRaster(node)
	case "apply_pixel":
		if err := wantInputs(node, 1); err != nil {
			return nil, err
		}
		var p applyPixelParams
		if err := decodeParams(node, &p); err != nil {
			return nil, err
		}
		c, err = NewApplyPixel(inputs[0], p.Expr, p.Keep)
	case "filter_pixel":
		if err := wantInputs(node, 1); err != nil {
			return nil, err
		}
		var p filterPixelParams
		if err := decodeParams(node, &p); err != nil {
			return nil, err
		}
		c, err = NewFilterPixel(inputs[0], p.Predicate)
	case "filter_geom":
		if err := wantInputs(node, 1); err != nil {
			return nil, err
		}
		var p filterGeomParams
		if err := decodeParams(node, &p); err != nil {
			return nil, err
		}
		c, err = NewFilterGeom(inputs[0], r.opts.Warper, p.Geometry, &FilterGeomOptions{SRS: p.SRS, Kind: p.Kind})
	case "select_bands":
		if err := wantInputs(node, 1); err != nil {
			return nil, err
		}
		var p selectBandsParams
		if err := decodeParams(node, &p); err != nil {
			return nil, err
		}
		c, err = NewSelectBands(inputs[0], p.Bands)
	case "join_bands":
		var p joinBandsParams
		if err := decodeParams(node, &p); err != nil {
			return nil, err
		}
		c, err = NewJoinBands(inputs, p.Prefixes)
	case "reduce_time":
		if err := wantInputs(node, 1); err != nil {
			return nil, err
		}
		var p reduceParams
		if err := decodeParams(node, &p); err != nil {
			return nil, err
		}
		c, err = NewReduceTime(inputs[0], p.Reducers)
	case "reduce_space":
		if err := wantInputs(node, 1); err != nil {
			return nil, err
		}
		var p reduceParams
		if err := decodeParams(node, &p); err != nil {
			return nil, err
		}
		c, err = NewReduceSpace(inputs[0], p.Reducers)
	case "window_time":
		if err := wantInputs(node, 1); err != nil {
			return nil, err
		}
		var p windowTimeParams
		if err := decodeParams(node, &p); err != nil {
			return nil, err
		}
		if len(p.Kernel) > 0 {
			c, err = NewWindowTimeKernel(inputs[0], p.Kernel, p.Window[0], p.Window[1])
		} else {
			c, err = NewWindowTimeReduce(inputs[0], p.Reducers, p.Window[0], p.Window[1])
		}
	case "fill_time":
		if err := wantInputs(node, 1); err != nil {
			return nil, err
		}
		var p fillTimeParams
		if err := decodeParams(node, &p); err != nil {
			return nil, err
		}
		c, err = NewFillTime(inputs[0], p.Method)
	default:
		return nil, &cube.ConfigurationError{Field: "graph", Reason: fmt.Sprintf("unknown operator '%s' at node '%s'", node.Op, node.ID)}
	}
	if err != nil {
		return nil, err
	}
	r.memo[id] = c
	return c, nil
}

func (r *restorer) buildRaster(node *graphNode) (cube.Cube, error) {
	var p rasterParams
	if err := decodeParams(node, &p); err != nil {
		return nil, err
	}
	if p.View == nil {
		return nil, &cube.ConfigurationError{Field: "graph", Reason: fmt.Sprintf("raster node '%s' without view", node.ID)}
	}
	if len(p.Location) == 0 {
		return nil, &cube.ConfigurationError{Field: "graph", Reason: fmt.Sprintf("raster node '%s' without store location", node.ID)}
	}
	store := r.opts.Stores[p.Location]
	if store == nil {
		return nil, &cube.ConfigurationError{Field: "graph", Reason: fmt.Sprintf("no store for location '%s'", p.Location)}
	}
	col, err := store.LoadCollection(r.ctx, p.Collection)
	if err != nil {
		return nil, err
	}
	return Materialize(col, p.View, r.opts.Warper, &RasterCubeOptions{
		Bands:      p.Bands,
		Mask:       p.Mask,
		ChunkShape: p.ChunkShape,
		Metrics:    r.opts.Metrics,
	})
}

func decodeParams(node *graphNode, into interface{}) error {
	if len(node.Params) == 0 {
		return &cube.ConfigurationError{Field: "graph", Reason: fmt.Sprintf("node '%s' without parameters", node.ID)}
	}
	if err := json.Unmarshal(node.Params, into); err != nil {
		return &cube.ConfigurationError{Field: "graph", Reason: fmt.Sprintf("node '%s': %v", node.ID, err)}
	}
	return nil
}

func wantInputs(node *graphNode, n int) error {
	if len(node.Inputs) != n {
		return &cube.ConfigurationError{Field: "graph", Reason: fmt.Sprintf("node '%s' wants %d inputs, has %d", node.ID, n, len(node.Inputs))}
	}
	return nil
}
