package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crewkit/crew/internal/models"
	_ "modernc.org/sqlite"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// modernc.org/sqlite serves one writer at a time; a single pooled
	// connection keeps concurrent node writes from failing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		expression TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		plan TEXT NOT NULL,
		settings TEXT NOT NULL,
		error TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS nodes (
		run_id TEXT NOT NULL REFERENCES runs(id),
		node_id TEXT NOT NULL,
		name TEXT NOT NULL,
		phase INTEGER NOT NULL,
		worker TEXT NOT NULL,
		variant TEXT,
		workspace TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP,
		ended_at TIMESTAMP,
		log_path TEXT,
		pid INTEGER,
		PRIMARY KEY (run_id, node_id)
	);

	CREATE TABLE IF NOT EXISTS reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		node_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		phase INTEGER NOT NULL,
		verdict TEXT NOT NULL,
		nodes TEXT NOT NULL,
		justification TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_nodes_run ON nodes(run_id);
	CREATE INDEX IF NOT EXISTS idx_reports_run ON reports(run_id);
	CREATE INDEX IF NOT EXISTS idx_decisions_run ON decisions(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateRun persists the run and every node of its plan in one
// transaction. The full phase structure is stored as JSON before any
// dispatch so a resolved plan survives a crash.
func (s *Storage) CreateRun(run *models.Run) error {
	planJSON, err := json.Marshal(run.Phases)
	if err != nil {
		return err
	}
	settingsJSON, err := json.Marshal(run.Settings)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO runs (id, expression, status, plan, settings, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Expression, run.Status, string(planJSON), string(settingsJSON), run.Error, run.CreatedAt,
	)
	if err != nil {
		return err
	}

	for _, phase := range run.Phases {
		for _, n := range phase.Nodes {
			if err := upsertNode(tx, run.ID, n); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func (s *Storage) GetRun(id string) (*models.Run, error) {
	row := s.db.QueryRow(
		`SELECT id, expression, status, plan, settings, error, created_at, completed_at
		 FROM runs WHERE id = ?`, id,
	)

	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}

	// The plan JSON carries node state as of the last UpdateRun; node
	// rows are the source of truth for live status.
	if err := s.overlayNodes(run); err != nil {
		return nil, err
	}
	return run, nil
}

// UpdateRun persists run-level state. The plan column written at
// CreateRun is the pre-execution audit record and is never rewritten;
// live node state belongs to the nodes table.
func (s *Storage) UpdateRun(run *models.Run) error {
	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		run.Status, run.Error, run.CompletedAt, run.ID,
	)
	return err
}

func (s *Storage) ListRuns(limit int) ([]*models.Run, error) {
	rows, err := s.db.Query(
		`SELECT id, expression, status, plan, settings, error, created_at, completed_at
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*models.Run, error) {
	var run models.Run
	var planJSON, settingsJSON string
	var errText sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&run.ID, &run.Expression, &run.Status, &planJSON, &settingsJSON,
		&errText, &run.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(planJSON), &run.Phases); err != nil {
		return nil, fmt.Errorf("run %s has corrupt plan: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(settingsJSON), &run.Settings); err != nil {
		return nil, fmt.Errorf("run %s has corrupt settings: %w", run.ID, err)
	}
	if errText.Valid {
		run.Error = errText.String
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

func (s *Storage) overlayNodes(run *models.Run) error {
	rows, err := s.db.Query(
		`SELECT node_id, status, retry_count, workspace, started_at, ended_at, log_path, pid
		 FROM nodes WHERE run_id = ?`, run.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var nodeID, status string
		var retryCount int
		var workspace, logPath sql.NullString
		var startedAt, endedAt sql.NullTime
		var pid sql.NullInt64

		if err := rows.Scan(&nodeID, &status, &retryCount, &workspace, &startedAt, &endedAt, &logPath, &pid); err != nil {
			return err
		}

		n := run.Node(nodeID)
		if n == nil {
			continue
		}
		n.Status = models.NodeStatus(status)
		n.RetryCount = retryCount
		if workspace.Valid {
			n.Routing.Workspace = workspace.String
		}
		if startedAt.Valid {
			n.StartedAt = &startedAt.Time
		}
		if endedAt.Valid {
			n.EndedAt = &endedAt.Time
		}
		if logPath.Valid {
			n.LogPath = logPath.String
		}
		if pid.Valid {
			p := int(pid.Int64)
			n.PID = &p
		}
	}
	return rows.Err()
}

func (s *Storage) UpdateNode(runID string, n *models.Node) error {
	return upsertNode(s.db, runID, n)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertNode(db execer, runID string, n *models.Node) error {
	var pid any
	if n.PID != nil {
		pid = *n.PID
	}
	_, err := db.Exec(
		`INSERT INTO nodes (run_id, node_id, name, phase, worker, variant, workspace, status, retry_count, started_at, ended_at, log_path, pid)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, node_id) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			workspace = excluded.workspace,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			log_path = excluded.log_path,
			pid = excluded.pid`,
		runID, n.ID, n.Name, n.PhaseIndex, n.Routing.Worker, n.Routing.Variant,
		n.Routing.Workspace, n.Status, n.RetryCount, n.StartedAt, n.EndedAt, n.LogPath, pid,
	)
	return err
}

// AppendReport stores triage evidence append-only. Retries produce a
// second row for the same node rather than overwriting the first.
func (s *Storage) AppendReport(runID string, rep *models.Report) error {
	payload, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO reports (run_id, node_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		runID, rep.NodeID, string(payload), rep.CreatedAt,
	)
	return err
}

func (s *Storage) ReportsForRun(runID string) ([]*models.Report, error) {
	rows, err := s.db.Query(
		`SELECT payload FROM reports WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []*models.Report
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rep models.Report
		if err := json.Unmarshal([]byte(payload), &rep); err != nil {
			return nil, err
		}
		reports = append(reports, &rep)
	}
	return reports, rows.Err()
}

// LatestReports returns the most recent report per node, the view the
// decision engine consumes at a phase barrier.
func (s *Storage) LatestReports(runID string) (map[string]*models.Report, error) {
	all, err := s.ReportsForRun(runID)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]*models.Report, len(all))
	for _, rep := range all {
		latest[rep.NodeID] = rep
	}
	return latest, nil
}

func (s *Storage) AppendDecision(d *models.Decision) error {
	nodesJSON, err := json.Marshal(d.NodeIDs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO decisions (run_id, phase, verdict, nodes, justification, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.RunID, d.PhaseIndex, d.Verdict, string(nodesJSON), d.Justification, d.CreatedAt,
	)
	return err
}

func (s *Storage) DecisionsForRun(runID string) ([]*models.Decision, error) {
	rows, err := s.db.Query(
		`SELECT run_id, phase, verdict, nodes, justification, created_at
		 FROM decisions WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []*models.Decision
	for rows.Next() {
		var d models.Decision
		var nodesJSON string
		var justification sql.NullString

		if err := rows.Scan(&d.RunID, &d.PhaseIndex, &d.Verdict, &nodesJSON, &justification, &d.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(nodesJSON), &d.NodeIDs); err != nil {
			return nil, err
		}
		if justification.Valid {
			d.Justification = justification.String
		}
		decisions = append(decisions, &d)
	}
	return decisions, rows.Err()
}

func (s *Storage) DeleteRun(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"reports", "decisions", "nodes"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE run_id = ?`, id); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}

// FormatTimeAgo renders a timestamp for list views.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
