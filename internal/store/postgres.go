package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rawblock/fedsig-coordinator/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is the pgx-backed Persistent Store, adapted from the teacher's
// internal/db/postgres.go connection/transaction idiom.
type Postgres struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool and verifies connectivity.
func Connect(ctx context.Context, connStr string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// InitSchema applies the embedded schema (idempotent, CREATE IF NOT EXISTS).
func (s *Postgres) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	return nil
}

// Close gracefully closes the connection pool.
func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// UpsertTrustScore performs a single-row atomic upsert (spec §4.4).
func (s *Postgres) UpsertTrustScore(ctx context.Context, score models.TrustScore) error {
	sql := `
		INSERT INTO trust_scores
			(client_id, trust_score, accuracy_rate, total_reports, verified_reports,
			 rejected_reports, false_positive_count, contribution_count, response_time_avg, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (client_id) DO UPDATE SET
			trust_score = EXCLUDED.trust_score,
			accuracy_rate = EXCLUDED.accuracy_rate,
			total_reports = EXCLUDED.total_reports,
			verified_reports = EXCLUDED.verified_reports,
			rejected_reports = EXCLUDED.rejected_reports,
			false_positive_count = EXCLUDED.false_positive_count,
			contribution_count = EXCLUDED.contribution_count,
			response_time_avg = EXCLUDED.response_time_avg,
			last_updated = EXCLUDED.last_updated;
	`
	_, err := s.pool.Exec(ctx, sql, score.ClientID, score.Trust, score.AccuracyRate, score.TotalReports,
		score.VerifiedReports, score.RejectedReports, score.FalsePositiveCount, score.ContributionCount,
		score.ResponseTimeAvg, score.LastUpdated)
	if err != nil {
		return fmt.Errorf("upsert trust score for %s: %w", score.ClientID, err)
	}
	return nil
}

// LoadTrustScores loads every trust-score row, used to warm the Trust
// Manager's in-memory cache on startup.
func (s *Postgres) LoadTrustScores(ctx context.Context) ([]models.TrustScore, error) {
	rows, err := s.pool.Query(ctx, `SELECT client_id, trust_score, accuracy_rate, total_reports,
		verified_reports, rejected_reports, false_positive_count, contribution_count,
		response_time_avg, last_updated FROM trust_scores`)
	if err != nil {
		return nil, fmt.Errorf("load trust scores: %w", err)
	}
	defer rows.Close()

	var out []models.TrustScore
	for rows.Next() {
		var t models.TrustScore
		if err := rows.Scan(&t.ClientID, &t.Trust, &t.AccuracyRate, &t.TotalReports,
			&t.VerifiedReports, &t.RejectedReports, &t.FalsePositiveCount, &t.ContributionCount,
			&t.ResponseTimeAvg, &t.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan trust score: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AppendTrustHistory inserts an append-only trust-history row.
func (s *Postgres) AppendTrustHistory(ctx context.Context, entry models.TrustHistoryEntry) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO trust_history (client_id, trust_score, event_type, reason, timestamp)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.ClientID, entry.Trust, entry.EventType, entry.Reason, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("append trust history for %s: %w", entry.ClientID, err)
	}
	return nil
}

// TrustHistory returns the most recent history rows for a client.
func (s *Postgres) TrustHistory(ctx context.Context, clientID string, limit int) ([]models.TrustHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT client_id, trust_score, event_type, reason, timestamp
		FROM trust_history WHERE client_id = $1 ORDER BY timestamp DESC LIMIT $2`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("load trust history for %s: %w", clientID, err)
	}
	defer rows.Close()

	var out []models.TrustHistoryEntry
	for rows.Next() {
		var e models.TrustHistoryEntry
		if err := rows.Scan(&e.ClientID, &e.Trust, &e.EventType, &e.Reason, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan trust history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertIntel persists a ThreatIntel row, encoding VerifiedBy and Metadata
// as opaque strings per spec §4.4.
func (s *Postgres) UpsertIntel(ctx context.Context, intel models.ThreatIntel) error {
	verifiedBy, err := json.Marshal(intel.VerifiedBy)
	if err != nil {
		return fmt.Errorf("encode verified_by: %w", err)
	}
	metadata, err := json.Marshal(intel.IOC.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	sql := `
		INSERT INTO iocs
			(ioc_id, ioc_type, value, threat_level, source_client, verified_by,
			 trust_weight, status, first_seen, last_seen, detection_count, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (ioc_id) DO UPDATE SET
			verified_by = EXCLUDED.verified_by,
			trust_weight = EXCLUDED.trust_weight,
			status = EXCLUDED.status,
			last_seen = EXCLUDED.last_seen,
			detection_count = EXCLUDED.detection_count;
	`
	_, err = s.pool.Exec(ctx, sql, intel.IOC.ID, intel.IOC.Type, intel.IOC.Value, intel.IOC.ThreatLevel,
		intel.IOC.SourceClient, string(verifiedBy), intel.TrustWeight, intel.Status,
		intel.FirstSeen, intel.LastSeen, intel.DetectionCount, string(metadata))
	if err != nil {
		return fmt.Errorf("upsert intel %s: %w", intel.IOC.ID, err)
	}
	return nil
}

func scanIntel(row pgx.Row) (models.ThreatIntel, error) {
	var intel models.ThreatIntel
	var verifiedBy, metadata string
	if err := row.Scan(&intel.IOC.ID, &intel.IOC.Type, &intel.IOC.Value, &intel.IOC.ThreatLevel,
		&intel.IOC.SourceClient, &verifiedBy, &intel.TrustWeight, &intel.Status,
		&intel.FirstSeen, &intel.LastSeen, &intel.DetectionCount, &metadata); err != nil {
		return models.ThreatIntel{}, err
	}
	_ = json.Unmarshal([]byte(verifiedBy), &intel.VerifiedBy)
	var md map[string]string
	_ = json.Unmarshal([]byte(metadata), &md)
	intel.IOC.Metadata = md
	intel.IOC.Timestamp = intel.FirstSeen
	return intel, nil
}

const selectIntelColumns = `ioc_id, ioc_type, value, threat_level, source_client, verified_by,
	trust_weight, status, first_seen, last_seen, detection_count, metadata`

// LoadByStatus scans every IOC row with the given status (spec §4.4).
func (s *Postgres) LoadByStatus(ctx context.Context, status models.IntelStatus) ([]models.ThreatIntel, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectIntelColumns+` FROM iocs WHERE status = $1`, status)
	if err != nil {
		return nil, fmt.Errorf("load iocs by status %s: %w", status, err)
	}
	defer rows.Close()

	var out []models.ThreatIntel
	for rows.Next() {
		intel, err := scanIntel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intel: %w", err)
		}
		out = append(out, intel)
	}
	return out, rows.Err()
}

// LoadAll scans every IOC row regardless of status.
func (s *Postgres) LoadAll(ctx context.Context) ([]models.ThreatIntel, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectIntelColumns+` FROM iocs`)
	if err != nil {
		return nil, fmt.Errorf("load all iocs: %w", err)
	}
	defer rows.Close()

	var out []models.ThreatIntel
	for rows.Next() {
		intel, err := scanIntel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intel: %w", err)
		}
		out = append(out, intel)
	}
	return out, rows.Err()
}

// GetByID returns a single IOC row, or nil if not found.
func (s *Postgres) GetByID(ctx context.Context, iocID string) (*models.ThreatIntel, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectIntelColumns+` FROM iocs WHERE ioc_id = $1`, iocID)
	intel, err := scanIntel(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get intel %s: %w", iocID, err)
	}
	return &intel, nil
}

// AppendDetection inserts an append-only detection-log row.
func (s *Postgres) AppendDetection(ctx context.Context, entry models.DetectionLogEntry) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO detection_log (ioc_id, client_id, timestamp, action)
		VALUES ($1, $2, $3, $4)`, entry.IOCID, entry.ClientID, entry.Timestamp, entry.Action)
	if err != nil {
		return fmt.Errorf("append detection log for %s: %w", entry.IOCID, err)
	}
	return nil
}

// RecentDetections returns the most recent detection-log rows.
func (s *Postgres) RecentDetections(ctx context.Context, limit int) ([]models.DetectionLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT ioc_id, client_id, timestamp, action FROM detection_log
		ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent detections: %w", err)
	}
	defer rows.Close()

	var out []models.DetectionLogEntry
	for rows.Next() {
		var e models.DetectionLogEntry
		if err := rows.Scan(&e.IOCID, &e.ClientID, &e.Timestamp, &e.Action); err != nil {
			return nil, fmt.Errorf("scan detection log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkExpiredBefore marks verified records whose last_seen predates cutoff
// as expired, returning the number of rows touched (spec §4.2 sweep_expired).
func (s *Postgres) MarkExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE iocs SET status = $1 WHERE last_seen < $2 AND status = $3`,
		models.IntelStatusExpired, cutoff, models.IntelStatusVerified)
	if err != nil {
		return 0, fmt.Errorf("mark expired iocs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
