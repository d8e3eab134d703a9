package store

import (
	"database/sql"
	"fmt"
)

// DriftDetection is an immutable snapshot of one drift analysis.
type DriftDetection struct {
	ID             int64
	Variant        string
	DriftTypes     string // CSV
	Severity       string // low, medium, high
	BaselineWindow string
	RecentWindow   string
	Metrics        string // serialized JSON
	CreatedAt      string
}

// RetrainingSession tracks one pass of the retraining orchestrator.
type RetrainingSession struct {
	ID               int64
	SessionID        string
	Variant          string
	Version          int
	Status           string // collecting_data, shadow_testing, promoted, rolled_back, failed
	TrainingDataSize int
	FailureAnalysis  *string
	NewVariant       *string
	ShadowAnalysis   *string
	Success          bool
	StartedAt        string
	CompletedAt      *string
}

// ModelVersion is one registered system prompt for a variant. At most one row
// per variant is active.
type ModelVersion struct {
	ID           int64
	Variant      string
	Version      int
	SystemPrompt string
	Metadata     *string
	IsActive     bool
	Tags         *string // JSON object of tag -> description
	CreatedAt    string
	ActivatedAt  *string
}

// InsertDriftDetection appends a drift snapshot.
func (s *Store) InsertDriftDetection(d *DriftDetection) (int64, error) {
	res, err := s.conn.Exec(
		`INSERT INTO drift_detections (variant, drift_types, severity, baseline_window, recent_window, metrics, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.Variant, d.DriftTypes, d.Severity, d.BaselineWindow, d.RecentWindow, d.Metrics, d.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert drift detection: %w", err)
	}
	return res.LastInsertId()
}

// ListDriftDetections returns a variant's drift history, newest first.
func (s *Store) ListDriftDetections(variant string, limit int) ([]DriftDetection, error) {
	rows, err := s.conn.Query(
		`SELECT id, variant, drift_types, severity, baseline_window, recent_window, metrics, created_at
		 FROM drift_detections WHERE variant = ? ORDER BY created_at DESC, id DESC LIMIT ?`, variant, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list drift detections: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var detections []DriftDetection
	for rows.Next() {
		var d DriftDetection
		if err := rows.Scan(&d.ID, &d.Variant, &d.DriftTypes, &d.Severity, &d.BaselineWindow, &d.RecentWindow, &d.Metrics, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan drift detection: %w", err)
		}
		detections = append(detections, d)
	}
	return detections, rows.Err()
}

// InsertRetrainingSession creates a retraining session record.
func (s *Store) InsertRetrainingSession(r *RetrainingSession) (int64, error) {
	res, err := s.conn.Exec(
		`INSERT INTO retraining_sessions (session_id, variant, version, status, training_data_size, failure_analysis, new_variant, shadow_analysis, success, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.Variant, r.Version, r.Status, r.TrainingDataSize, r.FailureAnalysis,
		r.NewVariant, r.ShadowAnalysis, boolToInt(r.Success), r.StartedAt, r.CompletedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert retraining session: %w", err)
	}
	return res.LastInsertId()
}

// UpdateRetrainingSession updates the mutable fields of a retraining session.
func (s *Store) UpdateRetrainingSession(r *RetrainingSession) error {
	_, err := s.conn.Exec(
		`UPDATE retraining_sessions
		 SET status = ?, training_data_size = ?, failure_analysis = ?, new_variant = ?, shadow_analysis = ?, success = ?, completed_at = ?
		 WHERE session_id = ?`,
		r.Status, r.TrainingDataSize, r.FailureAnalysis, r.NewVariant, r.ShadowAnalysis,
		boolToInt(r.Success), r.CompletedAt, r.SessionID,
	)
	if err != nil {
		return fmt.Errorf("update retraining session %q: %w", r.SessionID, err)
	}
	return nil
}

const retrainingColumns = `id, session_id, variant, version, status, training_data_size, failure_analysis, new_variant, shadow_analysis, success, started_at, completed_at`

func scanRetrainingSession(scanner interface{ Scan(...any) error }, r *RetrainingSession) error {
	var success int
	if err := scanner.Scan(&r.ID, &r.SessionID, &r.Variant, &r.Version, &r.Status, &r.TrainingDataSize,
		&r.FailureAnalysis, &r.NewVariant, &r.ShadowAnalysis, &success, &r.StartedAt, &r.CompletedAt); err != nil {
		return err
	}
	r.Success = success == 1
	return nil
}

// GetRetrainingSession retrieves a retraining session by its session ID.
func (s *Store) GetRetrainingSession(sessionID string) (*RetrainingSession, error) {
	r := &RetrainingSession{}
	row := s.conn.QueryRow(`SELECT `+retrainingColumns+` FROM retraining_sessions WHERE session_id = ?`, sessionID)
	if err := scanRetrainingSession(row, r); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get retraining session %q: %w", sessionID, err)
	}
	return r, nil
}

// LatestRetrainingSession returns a variant's most recent retraining session.
func (s *Store) LatestRetrainingSession(variant string) (*RetrainingSession, error) {
	r := &RetrainingSession{}
	row := s.conn.QueryRow(
		`SELECT `+retrainingColumns+` FROM retraining_sessions WHERE variant = ? ORDER BY started_at DESC LIMIT 1`, variant,
	)
	if err := scanRetrainingSession(row, r); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("latest retraining session: %w", err)
	}
	return r, nil
}

// --- Model Versions ---

const versionColumns = `id, variant, version, system_prompt, metadata, is_active, tags, created_at, activated_at`

func scanModelVersion(scanner interface{ Scan(...any) error }, v *ModelVersion) error {
	var active int
	if err := scanner.Scan(&v.ID, &v.Variant, &v.Version, &v.SystemPrompt, &v.Metadata, &active, &v.Tags, &v.CreatedAt, &v.ActivatedAt); err != nil {
		return err
	}
	v.IsActive = active == 1
	return nil
}

// RegisterVersion inserts a new (variant, version) row. The UNIQUE constraint
// rejects duplicate registrations.
func (s *Store) RegisterVersion(v *ModelVersion) (int64, error) {
	res, err := s.conn.Exec(
		`INSERT INTO model_versions (variant, version, system_prompt, metadata, is_active, tags, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		v.Variant, v.Version, v.SystemPrompt, v.Metadata, v.Tags, v.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("register version %s/%d: %w", v.Variant, v.Version, err)
	}
	return res.LastInsertId()
}

// ActivateVersion atomically marks (variant, version) active and deactivates
// every other version of the variant.
func (s *Store) ActivateVersion(variant string, version int, now string) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin activate: %w", err)
	}

	res, err := tx.Exec(
		`UPDATE model_versions SET is_active = 1, activated_at = ? WHERE variant = ? AND version = ?`,
		now, variant, version,
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("activate version %s/%d: %w", variant, version, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		return fmt.Errorf("activate version %s/%d: no such version", variant, version)
	}

	if _, err := tx.Exec(
		`UPDATE model_versions SET is_active = 0 WHERE variant = ? AND version != ?`, variant, version,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("deactivate other versions of %s: %w", variant, err)
	}

	return tx.Commit()
}

// GetActiveVersion returns the active version row for a variant, or nil.
func (s *Store) GetActiveVersion(variant string) (*ModelVersion, error) {
	v := &ModelVersion{}
	row := s.conn.QueryRow(`SELECT `+versionColumns+` FROM model_versions WHERE variant = ? AND is_active = 1`, variant)
	if err := scanModelVersion(row, v); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get active version %q: %w", variant, err)
	}
	return v, nil
}

// GetVersion returns a specific (variant, version) row, or nil.
func (s *Store) GetVersion(variant string, version int) (*ModelVersion, error) {
	v := &ModelVersion{}
	row := s.conn.QueryRow(`SELECT `+versionColumns+` FROM model_versions WHERE variant = ? AND version = ?`, variant, version)
	if err := scanModelVersion(row, v); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get version %s/%d: %w", variant, version, err)
	}
	return v, nil
}

// MaxVersion returns the highest registered version for a variant (0 if none).
func (s *Store) MaxVersion(variant string) (int, error) {
	var max int
	err := s.conn.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM model_versions WHERE variant = ?`, variant).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max version %q: %w", variant, err)
	}
	return max, nil
}

// ListVersions returns all versions for a variant, newest first. An empty
// variant lists every version of every variant.
func (s *Store) ListVersions(variant string) ([]ModelVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM model_versions`
	var args []any
	if variant != "" {
		query += ` WHERE variant = ?`
		args = append(args, variant)
	}
	query += ` ORDER BY variant ASC, version DESC`

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var versions []ModelVersion
	for rows.Next() {
		var v ModelVersion
		if err := scanModelVersion(rows, &v); err != nil {
			return nil, fmt.Errorf("scan model version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// SetVersionTags replaces the tag blob on a (variant, version) row.
func (s *Store) SetVersionTags(variant string, version int, tags string) error {
	_, err := s.conn.Exec(`UPDATE model_versions SET tags = ? WHERE variant = ? AND version = ?`, tags, variant, version)
	if err != nil {
		return fmt.Errorf("set version tags %s/%d: %w", variant, version, err)
	}
	return nil
}

// DistinctVariants returns every variant that has at least one registered
// version.
func (s *Store) DistinctVariants() ([]string, error) {
	rows, err := s.conn.Query(`SELECT DISTINCT variant FROM model_versions ORDER BY variant`)
	if err != nil {
		return nil, fmt.Errorf("distinct variants: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var variants []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}
