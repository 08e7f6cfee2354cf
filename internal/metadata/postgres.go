package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/framevault/framevault/internal/dataset"
	fverr "github.com/framevault/framevault/internal/errors"
)

// PostgresStore implements the Store interface on a PostgreSQL server,
// the production metadata database for multi-user deployments. Payload
// columns are JSONB.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the server described by the DSN and
// initializes the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fverr.ErrDatabaseUnavailable.WithMessage("connecting to postgres: %v", err)
	}

	s := &PostgresStore{db: db}
	if err := s.initDB(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing postgres schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initDB(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS datasets (
			id          BIGSERIAL PRIMARY KEY,
			serial      TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			microscope  TEXT NOT NULL DEFAULT '',
			frames      BOOLEAN NOT NULL DEFAULT FALSE,
			acquired_at TIMESTAMPTZ NOT NULL,
			parent_id   BIGINT REFERENCES datasets(id)
		);

		CREATE INDEX IF NOT EXISTS idx_datasets_acquired ON datasets(acquired_at);

		CREATE TABLE IF NOT EXISTS file_records (
			id          BIGSERIAL PRIMARY KEY,
			dataset_id  BIGINT NOT NULL UNIQUE REFERENCES datasets(id) ON DELETE CASCADE,
			storage_dir TEXT NOT NULL,
			file_name   TEXT NOT NULL,
			sha256      TEXT NOT NULL DEFAULT '',
			meta        JSONB NOT NULL DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS frames_global (
			id             BIGSERIAL PRIMARY KEY,
			dataset_id     BIGINT NOT NULL UNIQUE REFERENCES datasets(id) ON DELETE CASCADE,
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
			meta           JSONB NOT NULL DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS frames (
			id           BIGSERIAL PRIMARY KEY,
			frame_set_id BIGINT NOT NULL REFERENCES frames_global(id) ON DELETE CASCADE,
			channel_idx  INTEGER NOT NULL,
			slice_idx    INTEGER NOT NULL,
			time_idx     INTEGER NOT NULL,
			pos_idx      INTEGER NOT NULL,
			channel_name TEXT,
			file_name    TEXT NOT NULL,
			sha256       TEXT NOT NULL DEFAULT '',
			meta         JSONB NOT NULL DEFAULT '{}',

			UNIQUE (frame_set_id, channel_idx, slice_idx, time_idx, pos_idx)
		);

		CREATE INDEX IF NOT EXISTS idx_frames_set ON frames(frame_set_id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks connectivity to the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fverr.ErrDatabaseUnavailable.WithMessage("pinging postgres store: %v", err)
	}
	return nil
}

// ---- Ingest operations ----

// AssertUniqueDataset returns ErrDatasetExists if the serial is taken.
func (s *PostgresStore) AssertUniqueDataset(ctx context.Context, serial string) error {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM datasets WHERE serial = $1`, serial,
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
func (s *PostgresStore) ResolveParent(ctx context.Context, parentSerial string) (*int64, error) {
	if !dataset.HasParent(parentSerial) {
		return nil, nil
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM datasets WHERE serial = $1`, parentSerial,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, fverr.ErrParentNotFound.WithField("serial", parentSerial)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving parent %q: %w", parentSerial, err)
	}
	return &id, nil
}

// InsertFrameSet persists a decomposed dataset in one transaction.
func (s *PostgresStore) InsertFrameSet(ctx context.Context, ds *dataset.Dataset, fs *dataset.FrameSet, frames []dataset.Frame) error {
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

	dsID, err := s.insertDatasetTx(ctx, tx, ds, true)
	if err != nil {
		return err
	}

	var fsID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO frames_global
			(dataset_id, storage_dir, nbr_frames, im_width, im_height, im_colors,
			 nbr_slices, nbr_channels, nbr_timepoints, nbr_positions, bit_depth, meta)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		dsID, fs.StorageDir, fs.NbrFrames, fs.ImWidth, fs.ImHeight, fs.ImColors,
		fs.NbrSlices, fs.NbrChannels, fs.NbrTimepoints, fs.NbrPositions,
		fs.BitDepth, rawJSON(fs.Meta),
	).Scan(&fsID)
	if err != nil {
		return fmt.Errorf("inserting frame set for %q: %w", ds.Serial, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO frames
			(frame_set_id, channel_idx, slice_idx, time_idx, pos_idx,
			 channel_name, file_name, sha256, meta)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
	)
	if err != nil {
		return fmt.Errorf("preparing frame insert: %w", err)
	}
	defer stmt.Close()

	for i := range frames {
		f := &frames[i]
		err := stmt.QueryRowContext(ctx,
			fsID, f.ChannelIdx, f.SliceIdx, f.TimeIdx, f.PosIdx,
			nullString(f.ChannelName), f.FileName, f.SHA256, rawJSON(f.Meta),
		).Scan(&f.ID)
		if err != nil {
			return fmt.Errorf("inserting frame %q: %w", f.FileName, err)
		}
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
func (s *PostgresStore) InsertFileRecord(ctx context.Context, ds *dataset.Dataset, fr *dataset.FileRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	dsID, err := s.insertDatasetTx(ctx, tx, ds, false)
	if err != nil {
		return err
	}

	var frID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO file_records (dataset_id, storage_dir, file_name, sha256, meta)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		dsID, fr.StorageDir, fr.FileName, fr.SHA256, rawJSON(fr.Meta),
	).Scan(&frID)
	if err != nil {
		return fmt.Errorf("inserting file record for %q: %w", ds.Serial, err)
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
func (s *PostgresStore) insertDatasetTx(ctx context.Context, tx *sql.Tx, ds *dataset.Dataset, frames bool) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO datasets (serial, description, microscope, frames, acquired_at, parent_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		ds.Serial, ds.Description, ds.Microscope, frames,
		ds.AcquiredAt.UTC(), nullInt64(ds.ParentID),
	).Scan(&id)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
			return 0, fverr.ErrDatasetExists.WithField("serial", ds.Serial)
		}
		return 0, fmt.Errorf("inserting dataset %q: %w", ds.Serial, err)
	}
	ds.Frames = frames
	return id, nil
}

// ---- Query operations ----

// GetDataset retrieves a dataset by serial.
func (s *PostgresStore) GetDataset(ctx context.Context, serial string) (*dataset.Dataset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, serial, description, microscope, frames, acquired_at, parent_id
		 FROM datasets WHERE serial = $1`,
		serial,
	)
	ds, err := scanPGDataset(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fverr.ErrDatasetNotFound.WithField("serial", serial)
	}
	if err != nil {
		return nil, fmt.Errorf("getting dataset %q: %w", serial, err)
	}
	return ds, nil
}

// GetFileRecord retrieves the file record of a non-decomposed dataset.
func (s *PostgresStore) GetFileRecord(ctx context.Context, serial string) (*dataset.FileRecord, error) {
	ds, err := s.GetDataset(ctx, serial)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, dataset_id, storage_dir, file_name, sha256, meta
		 FROM file_records WHERE dataset_id = $1`,
		ds.ID,
	)
	var fr dataset.FileRecord
	var meta []byte
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
func (s *PostgresStore) QueryFrames(ctx context.Context, serial string, f Filters) (*dataset.FrameSet, []dataset.Frame, error) {
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
		 FROM frames_global WHERE dataset_id = $1`,
		ds.ID,
	)
	var fs dataset.FrameSet
	var fsMeta []byte
	err = row.Scan(&fs.ID, &fs.DatasetID, &fs.StorageDir, &fs.NbrFrames,
		&fs.ImWidth, &fs.ImHeight, &fs.ImColors, &fs.NbrSlices, &fs.NbrChannels,
		&fs.NbrTimepoints, &fs.NbrPositions, &fs.BitDepth, &fsMeta)
	if err != nil {
		return nil, nil, fmt.Errorf("getting frame set for %q: %w", serial, err)
	}
	fs.Meta = json.RawMessage(fsMeta)

	query := `SELECT id, frame_set_id, channel_idx, slice_idx, time_idx, pos_idx,
					 channel_name, file_name, sha256, meta
			  FROM frames WHERE frame_set_id = $1`
	args := []interface{}{fs.ID}

	appendIn := func(column string, values []int) {
		placeholders := make([]string, len(values))
		for i, v := range values {
			args = append(args, v)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += fmt.Sprintf(" AND %s IN (%s)", column, strings.Join(placeholders, ", "))
	}

	if len(f.ChannelIndices) > 0 {
		appendIn("channel_idx", f.ChannelIndices)
	} else if len(f.ChannelNames) > 0 {
		placeholders := make([]string, len(f.ChannelNames))
		for i, v := range f.ChannelNames {
			args = append(args, v)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
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
		var meta []byte
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
// Substring matching is case-insensitive, like the SQLite store's LIKE.
func (s *PostgresStore) QueryDatasets(ctx context.Context, search Search) ([]dataset.Dataset, error) {
	query := `SELECT id, serial, description, microscope, frames, acquired_at, parent_id
			  FROM datasets`
	var conds []string
	var args []interface{}

	addCond := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if search.Serial != "" {
		addCond(`serial ILIKE $%d ESCAPE '\'`, likeContains(search.Serial))
	}
	if search.Microscope != "" {
		addCond(`microscope ILIKE $%d ESCAPE '\'`, likeContains(search.Microscope))
	}
	if search.Description != "" {
		addCond(`description ILIKE $%d ESCAPE '\'`, likeContains(search.Description))
	}
	if !search.Start.IsZero() {
		addCond(`acquired_at >= $%d`, search.Start.UTC())
	}
	if !search.End.IsZero() {
		addCond(`acquired_at <= $%d`, search.End.UTC())
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
		ds, err := scanPGDataset(rows.Scan)
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

// scanPGDataset reads one dataset row; pgx surfaces TIMESTAMPTZ columns
// as time.Time directly.
func scanPGDataset(scan func(...interface{}) error) (*dataset.Dataset, error) {
	var ds dataset.Dataset
	var parentID sql.NullInt64
	err := scan(&ds.ID, &ds.Serial, &ds.Description, &ds.Microscope,
		&ds.Frames, &ds.AcquiredAt, &parentID)
	if err != nil {
		return nil, err
	}
	ds.AcquiredAt = ds.AcquiredAt.UTC()
	if parentID.Valid {
		ds.ParentID = &parentID.Int64
	}
	return &ds, nil
}
