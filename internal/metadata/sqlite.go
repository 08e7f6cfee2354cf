package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/framevault/framevault/internal/dataset"
	fverr "github.com/framevault/framevault/internal/errors"
)

// timeFormat is the ISO 8601 format used for all timestamps in SQL stores.
const timeFormat = "2006-01-02T15:04:05.000Z"

// SQLiteStore implements the Store interface using SQLite as the backing
// database. It provides durable, ACID-compliant metadata storage suitable
// for single-node deployments and tests.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLiteStore with the given DSN and
// initializes the database schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the required tables and indexes.
// This is safe to call multiple times (idempotent via IF NOT EXISTS).
func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS datasets (
			id          INTEGER PRIMARY KEY,
			serial      TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			microscope  TEXT NOT NULL DEFAULT '',
			frames      INTEGER NOT NULL DEFAULT 0,
			acquired_at TEXT NOT NULL,
			parent_id   INTEGER REFERENCES datasets(id)
		);

		CREATE INDEX IF NOT EXISTS idx_datasets_acquired ON datasets(acquired_at);

		CREATE TABLE IF NOT EXISTS file_records (
			id          INTEGER PRIMARY KEY,
			dataset_id  INTEGER NOT NULL UNIQUE REFERENCES datasets(id) ON DELETE CASCADE,
			storage_dir TEXT NOT NULL,
			file_name   TEXT NOT NULL,
			sha256      TEXT NOT NULL DEFAULT '',
			meta        TEXT NOT NULL DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS frames_global (
			id             INTEGER PRIMARY KEY,
			dataset_id     INTEGER NOT NULL UNIQUE REFERENCES datasets(id) ON DELETE CASCADE,
			storage_dir    TEXT NOT NULL,
			nbr_frames     INTEGER NOT NULL,
			im_width       INTEGER NOT NULL,
			im_height      INTEGER NOT NULL,
			im_colors      INTEGER NOT NULL,
			nbr_slices     INTEGER NOT NULL,
			nbr_channels   INTEGER NOT NULL,
			nbr_timepoints INTEGER NOT NULL,
			nbr_positions  INTEGER NOT NULL,
			bit_depth      TEXT NOT NULL,
			meta           TEXT NOT NULL DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS frames (
			id           INTEGER PRIMARY KEY,
			frame_set_id INTEGER NOT NULL REFERENCES frames_global(id) ON DELETE CASCADE,
			channel_idx  INTEGER NOT NULL,
			slice_idx    INTEGER NOT NULL,
			time_idx     INTEGER NOT NULL,
			pos_idx      INTEGER NOT NULL,
			channel_name TEXT,
			file_name    TEXT NOT NULL,
			sha256       TEXT NOT NULL DEFAULT '',
			meta         TEXT NOT NULL DEFAULT '{}',

			UNIQUE (frame_set_id, channel_idx, slice_idx, time_idx, pos_idx)
		);

		CREATE INDEX IF NOT EXISTS idx_frames_set ON frames(frame_set_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks connectivity to the database.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fverr.ErrDatabaseUnavailable.WithMessage("pinging sqlite store: %v", err)
	}
	return nil
}

// ---- Ingest operations ----

// AssertUniqueDataset returns ErrDatasetExists if the serial is taken.
func (s *SQLiteStore) AssertUniqueDataset(ctx context.Context, serial string) error {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM datasets WHERE serial = ?`, serial,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking dataset serial %q: %w", serial, err)
	}
	if count > 0 {
		return fverr.ErrDatasetExists.WithField("serial", serial)
	}
	return nil
}

// ResolveParent maps a parent serial to its dataset ID. "" and "none"
// resolve to nil.
func (s *SQLiteStore) ResolveParent(ctx context.Context, parentSerial string) (*int64, error) {
	if !dataset.HasParent(parentSerial) {
		return nil, nil
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM datasets WHERE serial = ?`, parentSerial,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, fverr.ErrParentNotFound.WithField("serial", parentSerial)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving parent %q: %w", parentSerial, err)
	}
	return &id, nil
}

// InsertFrameSet persists a decomposed dataset in one transaction:
// dataset row, frame-set globals, and all frame rows. Nothing is written
// if any step fails.
func (s *SQLiteStore) InsertFrameSet(ctx context.Context, ds *dataset.Dataset, fs *dataset.FrameSet, frames []dataset.Frame) error {
	if err := fs.Validate(); err != nil {
		return err
	}
	if len(frames) != fs.NbrFrames {
		return fverr.ErrMissingMetaField.
			WithField("field", "nbr_frames").
			WithMessage("nbr_frames is %d but %d frame rows were supplied", fs.NbrFrames, len(frames))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	dsID, err := insertDatasetTx(ctx, tx, ds, true)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO frames_global
			(dataset_id, storage_dir, nbr_frames, im_width, im_height, im_colors,
			 nbr_slices, nbr_channels, nbr_timepoints, nbr_positions, bit_depth, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dsID, fs.StorageDir, fs.NbrFrames, fs.ImWidth, fs.ImHeight, fs.ImColors,
		fs.NbrSlices, fs.NbrChannels, fs.NbrTimepoints, fs.NbrPositions,
		fs.BitDepth, rawJSON(fs.Meta),
	)
	if err != nil {
		return fmt.Errorf("inserting frame set for %q: %w", ds.Serial, err)
	}
	fsID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading frame set id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO frames
			(frame_set_id, channel_idx, slice_idx, time_idx, pos_idx,
			 channel_name, file_name, sha256, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("preparing frame insert: %w", err)
	}
	defer stmt.Close()

	for i := range frames {
		f := &frames[i]
		res, err := stmt.ExecContext(ctx,
			fsID, f.ChannelIdx, f.SliceIdx, f.TimeIdx, f.PosIdx,
			nullString(f.ChannelName), f.FileName, f.SHA256, rawJSON(f.Meta),
		)
		if err != nil {
			return fmt.Errorf("inserting frame %q: %w", f.FileName, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading frame id: %w", err)
		}
		f.ID = id
		f.FrameSetID = fsID
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	ds.ID = dsID
	fs.ID = fsID
	fs.DatasetID = dsID
	return nil
}

// InsertFileRecord persists a non-decomposed dataset in one transaction.
func (s *SQLiteStore) InsertFileRecord(ctx context.Context, ds *dataset.Dataset, fr *dataset.FileRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	dsID, err := insertDatasetTx(ctx, tx, ds, false)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO file_records (dataset_id, storage_dir, file_name, sha256, meta)
		 VALUES (?, ?, ?, ?, ?)`,
		dsID, fr.StorageDir, fr.FileName, fr.SHA256, rawJSON(fr.Meta),
	)
	if err != nil {
		return fmt.Errorf("inserting file record for %q: %w", ds.Serial, err)
	}
	frID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading file record id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	ds.ID = dsID
	fr.ID = frID
	fr.DatasetID = dsID
	return nil
}

// insertDatasetTx inserts the dataset row inside an open transaction and
// returns its ID. A serial collision maps to ErrDatasetExists.
func insertDatasetTx(ctx context.Context, tx *sql.Tx, ds *dataset.Dataset, frames bool) (int64, error) {
	framesInt := 0
	if frames {
		framesInt = 1
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO datasets (serial, description, microscope, frames, acquired_at, parent_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ds.Serial, ds.Description, ds.Microscope, framesInt,
		ds.AcquiredAt.UTC().Format(timeFormat), nullInt64(ds.ParentID),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, fverr.ErrDatasetExists.WithField("serial", ds.Serial)
		}
		return 0, fmt.Errorf("inserting dataset %q: %w", ds.Serial, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading dataset id: %w", err)
	}
	ds.Frames = frames
	return id, nil
}

// ---- Query operations ----

// GetDataset retrieves a dataset by serial.
func (s *SQLiteStore) GetDataset(ctx context.Context, serial string) (*dataset.Dataset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, serial, description, microscope, frames, acquired_at, parent_id
		 FROM datasets WHERE serial = ?`,
		serial,
	)
	ds, err := scanDataset(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fverr.ErrDatasetNotFound.WithField("serial", serial)
	}
	if err != nil {
		return nil, fmt.Errorf("getting dataset %q: %w", serial, err)
	}
	return ds, nil
}

// GetFileRecord retrieves the file record of a non-decomposed dataset.
// A decomposed dataset has no file record, which reports as not found.
func (s *SQLiteStore) GetFileRecord(ctx context.Context, serial string) (*dataset.FileRecord, error) {
	ds, err := s.GetDataset(ctx, serial)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, dataset_id, storage_dir, file_name, sha256, meta
		 FROM file_records WHERE dataset_id = ?`,
		ds.ID,
	)
	var fr dataset.FileRecord
	var meta string
	err = row.Scan(&fr.ID, &fr.DatasetID, &fr.StorageDir, &fr.FileName, &fr.SHA256, &meta)
	if err == sql.ErrNoRows {
		return nil, fverr.ErrDatasetNotFound.
			WithField("serial", serial).
			WithMessage("dataset %s has no file record (decomposed=%v)", serial, ds.Frames)
	}
	if err != nil {
		return nil, fmt.Errorf("getting file record for %q: %w", serial, err)
	}
	fr.Meta = json.RawMessage(meta)
	return &fr, nil
}

// QueryFrames returns the frame-set globals and the frame rows selected
// by the filters, ordered by file name.
func (s *SQLiteStore) QueryFrames(ctx context.Context, serial string, f Filters) (*dataset.FrameSet, []dataset.Frame, error) {
	if err := f.Validate(); err != nil {
		return nil, nil, err
	}

	ds, err := s.GetDataset(ctx, serial)
	if err != nil {
		return nil, nil, err
	}
	if !ds.Frames {
		return nil, nil, fverr.ErrNotDecomposed.WithField("serial", serial)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, dataset_id, storage_dir, nbr_frames, im_width, im_height, im_colors,
				nbr_slices, nbr_channels, nbr_timepoints, nbr_positions, bit_depth, meta
		 FROM frames_global WHERE dataset_id = ?`,
		ds.ID,
	)
	var fs dataset.FrameSet
	var fsMeta string
	err = row.Scan(&fs.ID, &fs.DatasetID, &fs.StorageDir, &fs.NbrFrames,
		&fs.ImWidth, &fs.ImHeight, &fs.ImColors, &fs.NbrSlices, &fs.NbrChannels,
		&fs.NbrTimepoints, &fs.NbrPositions, &fs.BitDepth, &fsMeta)
	if err != nil {
		return nil, nil, fmt.Errorf("getting frame set for %q: %w", serial, err)
	}
	fs.Meta = json.RawMessage(fsMeta)

	query := `SELECT id, frame_set_id, channel_idx, slice_idx, time_idx, pos_idx,
					 channel_name, file_name, sha256, meta
			  FROM frames WHERE frame_set_id = ?`
	args := []interface{}{fs.ID}

	appendIn := func(column string, values []int) {
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = "?"
			args = append(args, v)
		}
		query += fmt.Sprintf(" AND %s IN (%s)", column, strings.Join(placeholders, ", "))
	}

	if len(f.ChannelIndices) > 0 {
		appendIn("channel_idx", f.ChannelIndices)
	} else if len(f.ChannelNames) > 0 {
		placeholders := make([]string, len(f.ChannelNames))
		for i, v := range f.ChannelNames {
			placeholders[i] = "?"
			args = append(args, v)
		}
		query += fmt.Sprintf(" AND channel_name IN (%s)", strings.Join(placeholders, ", "))
	}
	if len(f.Slices) > 0 {
		appendIn("slice_idx", f.Slices)
	}
	if len(f.Times) > 0 {
		appendIn("time_idx", f.Times)
	}
	if len(f.Positions) > 0 {
		appendIn("pos_idx", f.Positions)
	}
	query += " ORDER BY file_name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("querying frames for %q: %w", serial, err)
	}
	defer rows.Close()

	var frames []dataset.Frame
	for rows.Next() {
		var fr dataset.Frame
		var name sql.NullString
		var meta string
		if err := rows.Scan(&fr.ID, &fr.FrameSetID, &fr.ChannelIdx, &fr.SliceIdx,
			&fr.TimeIdx, &fr.PosIdx, &name, &fr.FileName, &fr.SHA256, &meta); err != nil {
			return nil, nil, fmt.Errorf("scanning frame row: %w", err)
		}
		fr.ChannelName = name.String
		fr.Meta = json.RawMessage(meta)
		frames = append(frames, fr)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterating frame rows: %w", err)
	}

	if len(frames) == 0 {
		return nil, nil, fverr.ErrEmptyResult.WithField("serial", serial)
	}
	return &fs, frames, nil
}

// QueryDatasets lists datasets matching the search, ordered by serial.
func (s *SQLiteStore) QueryDatasets(ctx context.Context, search Search) ([]dataset.Dataset, error) {
	query := `SELECT id, serial, description, microscope, frames, acquired_at, parent_id
			  FROM datasets`
	var conds []string
	var args []interface{}

	if search.Serial != "" {
		conds = append(conds, `serial LIKE ? ESCAPE '\'`)
		args = append(args, likeContains(search.Serial))
	}
	if search.Microscope != "" {
		conds = append(conds, `microscope LIKE ? ESCAPE '\'`)
		args = append(args, likeContains(search.Microscope))
	}
	if search.Description != "" {
		conds = append(conds, `description LIKE ? ESCAPE '\'`)
		args = append(args, likeContains(search.Description))
	}
	if !search.Start.IsZero() {
		conds = append(conds, `acquired_at >= ?`)
		args = append(args, search.Start.UTC().Format(timeFormat))
	}
	if !search.End.IsZero() {
		conds = append(conds, `acquired_at <= ?`)
		args = append(args, search.End.UTC().Format(timeFormat))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY serial"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying datasets: %w", err)
	}
	defer rows.Close()

	var datasets []dataset.Dataset
	for rows.Next() {
		ds, err := scanDataset(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning dataset row: %w", err)
		}
		datasets = append(datasets, *ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dataset rows: %w", err)
	}
	return datasets, nil
}

// ---- Helper functions ----

// scanDataset reads one dataset row through the given scan function.
func scanDataset(scan func(...interface{}) error) (*dataset.Dataset, error) {
	var ds dataset.Dataset
	var framesInt int
	var acquiredAtStr string
	var parentID sql.NullInt64
	err := scan(&ds.ID, &ds.Serial, &ds.Description, &ds.Microscope,
		&framesInt, &acquiredAtStr, &parentID)
	if err != nil {
		return nil, err
	}
	ds.Frames = framesInt != 0
	ds.AcquiredAt, _ = time.Parse(timeFormat, acquiredAtStr)
	if parentID.Valid {
		ds.ParentID = &parentID.Int64
	}
	return &ds, nil
}

// rawJSON converts a payload to its TEXT column value. Nil payloads
// become the empty document.
func rawJSON(m json.RawMessage) string {
	if len(m) == 0 {
		return "{}"
	}
	return string(m)
}

// nullString converts a Go string to sql.NullString. Empty strings become NULL.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullInt64 converts an optional int64 to sql.NullInt64.
func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

// likeContains escapes LIKE metacharacters in a needle and wraps it for
// substring matching. Serials contain no metacharacters but descriptions
// may.
func likeContains(needle string) string {
	escaped := make([]byte, 0, len(needle)+2)
	for i := 0; i < len(needle); i++ {
		c := needle[i]
		if c == '%' || c == '_' || c == '\\' {
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, c)
	}
	return "%" + string(escaped) + "%"
}
