package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"greenaudit/internal/report"
)

// ErrNotFound is returned when a report id is unknown.
var ErrNotFound = errors.New("report not found")

// ReportListParams filters stored reports.
type ReportListParams struct {
	URL   string
	Limit int
}

// ReportSummary is a stored report without its audit details.
type ReportSummary struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	StartedAt   time.Time `json:"startedAt"`
	DurationMs  int64     `json:"durationMs"`
	GlobalScore float64   `json:"globalScore"`
	Pass        int       `json:"pass"`
	Fail        int       `json:"fail"`
	Skip        int       `json:"skip"`
}

// SaveReport upserts rep keyed by its meta id.
func (s *ReportStore) SaveReport(ctx context.Context, rep *report.Report) error {
	if s == nil || s.db == nil {
		return nil
	}
	if rep == nil || rep.Meta.ID == "" {
		return errors.New("report is missing an id")
	}
	if err := s.upsertReport(ctx, rep); err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
				return fmt.Errorf("ensure schema: %w", schemaErr)
			}
			if retryErr := s.upsertReport(ctx, rep); retryErr != nil {
				return fmt.Errorf("insert report: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (s *ReportStore) upsertReport(ctx context.Context, rep *report.Report) error {
	body, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	pass, fail, skip := rep.Totals()
	query := s.rebind(`
        INSERT INTO audit_reports (id, url, started_at_ms, duration_ms, global_score, passed, failed, skipped, report)
        VALUES (?,?,?,?,?,?,?,?,?)
        ON CONFLICT (id) DO UPDATE SET
            url = EXCLUDED.url,
            started_at_ms = EXCLUDED.started_at_ms,
            duration_ms = EXCLUDED.duration_ms,
            global_score = EXCLUDED.global_score,
            passed = EXCLUDED.passed,
            failed = EXCLUDED.failed,
            skipped = EXCLUDED.skipped,
            report = EXCLUDED.report
    `)
	_, err = s.db.ExecContext(ctx, query,
		rep.Meta.ID,
		rep.Meta.URL,
		rep.Meta.StartedAt.UnixMilli(),
		rep.Meta.DurationMs,
		rep.GlobalScore,
		pass,
		fail,
		skip,
		string(body),
	)
	return err
}

// ListReports returns the newest reports first, optionally for one URL.
func (s *ReportStore) ListReports(ctx context.Context, params ReportListParams) ([]ReportSummary, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sql store not initialised")
	}
	limit := params.Limit
	if limit <= 0 || limit > 200 {
		limit = 20
	}

	var (
		query string
		args  []any
	)
	if target := strings.TrimSpace(params.URL); target != "" {
		query = `
            SELECT id, url, started_at_ms, duration_ms, global_score, passed, failed, skipped
            FROM audit_reports
            WHERE url = ?
            ORDER BY started_at_ms DESC, id
            LIMIT ?`
		args = []any{target, limit}
	} else {
		query = `
            SELECT id, url, started_at_ms, duration_ms, global_score, passed, failed, skipped
            FROM audit_reports
            ORDER BY started_at_ms DESC, id
            LIMIT ?`
		args = []any{limit}
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	items := make([]ReportSummary, 0, limit)
	for rows.Next() {
		var (
			item      ReportSummary
			startedMs int64
		)
		if err := rows.Scan(&item.ID, &item.URL, &startedMs, &item.DurationMs, &item.GlobalScore, &item.Pass, &item.Fail, &item.Skip); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		item.StartedAt = time.UnixMilli(startedMs).UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return items, nil
}

// GetReport loads the full report stored under id.
func (s *ReportStore) GetReport(ctx context.Context, id string) (*report.Report, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sql store not initialised")
	}
	var body string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT report FROM audit_reports WHERE id = ?`), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load report %s: %w", id, err)
	}
	var rep report.Report
	if err := json.Unmarshal([]byte(body), &rep); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", id, err)
	}
	return &rep, nil
}
