package collection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/nci/gocube/cube"
	"github.com/nci/gocube/utils"
)

// Store persists collections in SQLite, or in PostgreSQL when the
// location is a postgres:// URI. Entry order survives through an
// explicit sequence column; timestamps are stored as ISO strings so
// SQL range filters and MIN/MAX compare them correctly.
type Store struct {
	db       *sql.DB
	driver   string
	location string
}

// OpenStore opens, creating if necessary, a collection store at
// location: a SQLite database path or a postgres:// connection URI.
func OpenStore(ctx context.Context, location string) (*Store, error) {
	driver := "sqlite"
	if strings.HasPrefix(location, "postgres://") || strings.HasPrefix(location, "postgresql://") {
		driver = "postgres"
	}
	db, err := sql.Open(driver, location)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, driver: driver, location: location}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// promptPassword is a var so tests can stub the terminal away.
var promptPassword = utils.PromptPassword

// OpenStoreWithPrompt opens a store like OpenStore, first asking on
// the terminal for the password of a postgres location that names a
// user but carries no secret. When prompting fails the location is
// used as given, so .pgpass style setups keep working.
func OpenStoreWithPrompt(ctx context.Context, location string) (*Store, error) {
	return OpenStore(ctx, promptLocation(location))
}

func promptLocation(location string) string {
	if !strings.HasPrefix(location, "postgres://") && !strings.HasPrefix(location, "postgresql://") {
		return location
	}
	u, err := url.Parse(location)
	if err != nil || u.User == nil || u.User.Username() == "" {
		return location
	}
	if _, set := u.User.Password(); set {
		return location
	}
	pass, err := promptPassword(fmt.Sprintf("password for %s: ", u.User.Username()))
	if err != nil {
		return location
	}
	u.User = url.UserPassword(u.User.Username(), pass)
	return u.String()
}

func (s *Store) Close() error { return s.db.Close() }

// Location returns the path or URI the store was opened at, the value
// collections loaded from it carry in their Location field.
func (s *Store) Location() string { return s.location }

// rebind rewrites ? placeholders into the $n form postgres expects.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			format TEXT,
			created TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			timestamp_end TEXT,
			polygon TEXT,
			x_min DOUBLE PRECISION,
			y_min DOUBLE PRECISION,
			x_max DOUBLE PRECISION,
			y_max DOUBLE PRECISION,
			srs TEXT,
			geo_transform TEXT,
			x_size INTEGER,
			y_size INTEGER,
			PRIMARY KEY (collection, id)
		)`,
		`CREATE TABLE IF NOT EXISTS datasets (
			collection TEXT NOT NULL,
			entry_id TEXT NOT NULL,
			band TEXT NOT NULL,
			path TEXT NOT NULL,
			band_index INTEGER NOT NULL,
			array_type TEXT,
			no_data DOUBLE PRECISION,
			scale_factor DOUBLE PRECISION,
			add_offset DOUBLE PRECISION,
			PRIMARY KEY (collection, entry_id, band)
		)`,
		`CREATE INDEX IF NOT EXISTS entries_time ON entries (collection, timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveCollection writes c, replacing any stored collection of the same
// name.
func (s *Store) SaveCollection(ctx context.Context, c *Collection) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM datasets WHERE collection = ?`,
		`DELETE FROM entries WHERE collection = ?`,
		`DELETE FROM collections WHERE name = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.rebind(stmt), c.Name); err != nil {
			return err
		}
	}
	created := time.Now().UTC().Format(cube.ISOFormat)
	if _, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO collections (name, format, created) VALUES (?, ?, ?)`),
		c.Name, c.Format, created); err != nil {
		return err
	}
	if err := s.insertEntries(ctx, tx, c.Name, 0, c.Entries); err != nil {
		return err
	}
	return tx.Commit()
}

// Append adds entries at the end of a stored collection, skipping IDs
// already present. The collection row is created on first use. It
// returns the number of entries added.
func (s *Store) Append(ctx context.Context, name, format string, entries []*Entry) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT name FROM collections WHERE name = ?`), name).Scan(&existing)
	if err == sql.ErrNoRows {
		created := time.Now().UTC().Format(cube.ISOFormat)
		if _, err := tx.ExecContext(ctx,
			s.rebind(`INSERT INTO collections (name, format, created) VALUES (?, ?, ?)`),
			name, format, created); err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, err
	}

	have := map[string]bool{}
	rows, err := tx.QueryContext(ctx, s.rebind(`SELECT id FROM entries WHERE collection = ?`), name)
	if err != nil {
		return 0, err
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		have[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT MAX(seq) FROM entries WHERE collection = ?`), name).Scan(&maxSeq); err != nil {
		return 0, err
	}
	seq := 0
	if maxSeq.Valid {
		seq = int(maxSeq.Int64) + 1
	}

	var add []*Entry
	for _, e := range entries {
		if !have[e.ID] {
			add = append(add, e)
			have[e.ID] = true
		}
	}
	if err := s.insertEntries(ctx, tx, name, seq, add); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(add), nil
}

func (s *Store) insertEntries(ctx context.Context, tx *sql.Tx, name string, seq int, entries []*Entry) error {
	entryStmt := s.rebind(`INSERT INTO entries
		(collection, id, seq, timestamp, timestamp_end, polygon,
		 x_min, y_min, x_max, y_max, srs, geo_transform, x_size, y_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	dsStmt := s.rebind(`INSERT INTO datasets
		(collection, entry_id, band, path, band_index, array_type, no_data, scale_factor, add_offset)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	for _, e := range entries {
		var tsEnd interface{}
		if e.TimeEnd != nil {
			tsEnd = e.TimeEnd.UTC().Format(cube.ISOFormat)
		}
		var xMin, yMin, xMax, yMax interface{}
		if len(e.BBox) == 4 {
			xMin, yMin, xMax, yMax = e.BBox[0], e.BBox[1], e.BBox[2], e.BBox[3]
		}
		var geot interface{}
		if len(e.GeoTransform) > 0 {
			buf, err := json.Marshal(e.GeoTransform)
			if err != nil {
				return err
			}
			geot = string(buf)
		}
		if _, err := tx.ExecContext(ctx, entryStmt,
			name, e.ID, seq, e.Time.UTC().Format(cube.ISOFormat), tsEnd, e.Polygon,
			xMin, yMin, xMax, yMax, e.SRS, geot, e.XSize, e.YSize); err != nil {
			return err
		}
		seq++

		bands := make([]string, 0, len(e.Datasets))
		for band := range e.Datasets {
			bands = append(bands, band)
		}
		sort.Strings(bands)
		for _, band := range bands {
			ref := e.Datasets[band]
			var noData interface{}
			if ref.NoData != nil {
				noData = *ref.NoData
			}
			if _, err := tx.ExecContext(ctx, dsStmt,
				name, e.ID, band, ref.Path, ref.Band, ref.Type, noData, ref.Scale, ref.Offset); err != nil {
				return err
			}
		}
	}
	return nil
}

// Collections lists the stored collection names.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM collections ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// LoadCollection reads a collection back in its original entry order.
func (s *Store) LoadCollection(ctx context.Context, name string) (*Collection, error) {
	var format string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT format FROM collections WHERE name = ?`), name).Scan(&format)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("collection %s not found", name)
	}
	if err != nil {
		return nil, err
	}
	entries, err := s.queryEntries(ctx, name, "", nil)
	if err != nil {
		return nil, err
	}
	c, err := New(name, format, entries)
	if err != nil {
		return nil, err
	}
	c.Location = s.location
	return c, nil
}

// DeleteCollection removes a stored collection and all its entries.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM datasets WHERE collection = ?`,
		`DELETE FROM entries WHERE collection = ?`,
		`DELETE FROM collections WHERE name = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.rebind(stmt), name); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Query loads the entries of a stored collection overlapping bbox and
// [t0, t1) carrying at least one of the requested bands, in build
// order. The bounding box and time prefilter run in SQL; footprint
// polygons are refined in Go.
func (s *Store) Query(ctx context.Context, name string, bbox []float64, t0, t1 time.Time, bands []string) ([]*Entry, error) {
	where := ""
	var args []interface{}
	if !t1.IsZero() {
		where += ` AND timestamp < ?`
		args = append(args, t1.UTC().Format(cube.ISOFormat))
	}
	if !t0.IsZero() {
		t0s := t0.UTC().Format(cube.ISOFormat)
		where += ` AND (timestamp_end >= ? OR (timestamp_end IS NULL AND timestamp >= ?))`
		args = append(args, t0s, t0s)
	}
	if len(bbox) == 4 {
		where += ` AND (x_min IS NULL OR (x_min <= ? AND x_max >= ? AND y_min <= ? AND y_max >= ?))`
		args = append(args, bbox[2], bbox[0], bbox[3], bbox[1])
	}
	entries, err := s.queryEntries(ctx, name, where, args)
	if err != nil {
		return nil, err
	}
	var out []*Entry
	for _, e := range entries {
		if err := e.prepare(); err != nil {
			return nil, err
		}
		if !e.Intersects(bbox) {
			continue
		}
		if len(bands) > 0 && !hasAnyBand(e, bands) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Extent computes the envelope of a stored collection in SQL,
// returning nil when the collection has no entries.
func (s *Store) Extent(ctx context.Context, name string) (*Envelope, error) {
	var (
		xMin, yMin, xMax, yMax sql.NullFloat64
		t0, t1                 sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT MIN(x_min), MIN(y_min), MAX(x_max), MAX(y_max),
			MIN(timestamp), MAX(COALESCE(timestamp_end, timestamp))
		 FROM entries WHERE collection = ?`), name).
		Scan(&xMin, &yMin, &xMax, &yMax, &t0, &t1)
	if err != nil {
		return nil, err
	}
	if !t0.Valid {
		return nil, nil
	}
	env := &Envelope{SRS: "EPSG:4326"}
	if env.T0, err = cube.ParseISOTime(t0.String); err != nil {
		return nil, err
	}
	if env.T1, err = cube.ParseISOTime(t1.String); err != nil {
		return nil, err
	}
	if xMin.Valid {
		env.BBox = []float64{xMin.Float64, yMin.Float64, xMax.Float64, yMax.Float64}
	}
	return env, nil
}

func (s *Store) queryEntries(ctx context.Context, name, where string, args []interface{}) ([]*Entry, error) {
	query := `SELECT id, timestamp, timestamp_end, polygon,
		x_min, y_min, x_max, y_max, srs, geo_transform, x_size, y_size
		FROM entries WHERE collection = ?` + where + ` ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), append([]interface{}{name}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	byID := map[string]*Entry{}
	for rows.Next() {
		var (
			id, ts                    string
			tsEnd, polygon, srs, geot sql.NullString
			xMin, yMin, xMax, yMax    sql.NullFloat64
			xSize, ySize              sql.NullInt64
		)
		if err := rows.Scan(&id, &ts, &tsEnd, &polygon, &xMin, &yMin, &xMax, &yMax, &srs, &geot, &xSize, &ySize); err != nil {
			return nil, err
		}
		e := &Entry{ID: id, Datasets: map[string]*DatasetRef{}}
		if e.Time, err = cube.ParseISOTime(ts); err != nil {
			return nil, fmt.Errorf("entry %s: %v", id, err)
		}
		if tsEnd.Valid {
			t, err := cube.ParseISOTime(tsEnd.String)
			if err != nil {
				return nil, fmt.Errorf("entry %s: %v", id, err)
			}
			e.TimeEnd = &t
		}
		e.Polygon = polygon.String
		if xMin.Valid {
			e.BBox = []float64{xMin.Float64, yMin.Float64, xMax.Float64, yMax.Float64}
		}
		e.SRS = srs.String
		if geot.Valid && geot.String != "" {
			if err := json.Unmarshal([]byte(geot.String), &e.GeoTransform); err != nil {
				return nil, fmt.Errorf("entry %s: %v", id, err)
			}
		}
		e.XSize = int(xSize.Int64)
		e.YSize = int(ySize.Int64)
		entries = append(entries, e)
		byID[id] = e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	drows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT entry_id, band, path, band_index, array_type, no_data, scale_factor, add_offset
		 FROM datasets WHERE collection = ?`), name)
	if err != nil {
		return nil, err
	}
	defer drows.Close()
	for drows.Next() {
		var (
			entryID, band, path string
			bandIndex           int
			arrayType           sql.NullString
			noData              sql.NullFloat64
			scale, offset       sql.NullFloat64
		)
		if err := drows.Scan(&entryID, &band, &path, &bandIndex, &arrayType, &noData, &scale, &offset); err != nil {
			return nil, err
		}
		e, ok := byID[entryID]
		if !ok {
			continue
		}
		ref := &DatasetRef{Path: path, Band: bandIndex, Type: arrayType.String, Offset: offset.Float64}
		if noData.Valid {
			nd := noData.Float64
			ref.NoData = &nd
		}
		ref.Scale = 1
		if scale.Valid && scale.Float64 != 0 {
			ref.Scale = scale.Float64
		}
		e.Datasets[band] = ref
	}
	return entries, drows.Err()
}
