package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/flowdhq/flowd/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

const workflowColumns = `id, tenant_id, name, description, status, trigger_type, trigger_config, definition, category, tags, version, created_by, updated_by, created_at, updated_at`

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	tags, err := marshalSliceOrNil(wf.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.TenantID, wf.Name, nullStr(wf.Description),
		string(wf.Status), string(wf.TriggerType), nullRaw(wf.TriggerConfig),
		string(def), nullStr(wf.Category), tags, wf.Version,
		nullStr(wf.CreatedBy), nullStr(wf.UpdatedBy),
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, nullStr(*update.Description))
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.TriggerType != nil {
		sets = append(sets, "trigger_type = ?")
		args = append(args, string(*update.TriggerType))
	}
	if update.TriggerConfig != nil {
		sets = append(sets, "trigger_config = ?")
		args = append(args, string(update.TriggerConfig))
	}
	if update.Definition != nil {
		def, err := json.Marshal(update.Definition)
		if err != nil {
			return fmt.Errorf("marshal definition: %w", err)
		}
		sets = append(sets, "definition = ?", "version = version + 1")
		args = append(args, string(def))
	}
	if update.Category != nil {
		sets = append(sets, "category = ?")
		args = append(args, nullStr(*update.Category))
	}
	if update.Tags != nil {
		tags, err := marshalSliceOrNil(update.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		sets = append(sets, "tags = ?")
		args = append(args, tags)
	}
	if update.UpdatedBy != "" {
		sets = append(sets, "updated_by = ?")
		args = append(args, update.UpdatedBy)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.TriggerType != nil {
		where = append(where, "trigger_type = ?")
		args = append(args, string(*filter.TriggerType))
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func scanWorkflow(scan func(dest ...any) error) (*Workflow, error) {
	wf := &Workflow{}
	var (
		desc, triggerCfg, category, tags sql.NullString
		createdBy, updatedBy             sql.NullString
		status, triggerType, defJSON     string
	)
	err := scan(&wf.ID, &wf.TenantID, &wf.Name, &desc, &status, &triggerType, &triggerCfg,
		&defJSON, &category, &tags, &wf.Version, &createdBy, &updatedBy, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wf.Description = desc.String
	wf.Status = schema.WorkflowStatus(status)
	wf.TriggerType = schema.TriggerType(triggerType)
	wf.TriggerConfig = rawOrNil(triggerCfg)
	wf.Category = category.String
	wf.CreatedBy = createdBy.String
	wf.UpdatedBy = updatedBy.String
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &wf.Tags)
	}
	return wf, nil
}

// --- Executions ---

const executionColumns = `id, workflow_id, tenant_id, status, input_data, output_data, context, error_message, error_details, started_at, completed_at, retry_count, triggered_by, trigger_source, created_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, ex *Execution) error {
	input, err := marshalMapOrNil(ex.InputData)
	if err != nil {
		return fmt.Errorf("marshal input_data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.WorkflowID, ex.TenantID, string(ex.Status),
		input, nullRaw(ex.OutputData), nullRaw(ex.Context),
		nullStr(ex.ErrorMessage), nullRaw(ex.ErrorDetails),
		nullTime(ex.StartedAt), nullTime(ex.CompletedAt), ex.RetryCount,
		nullStr(ex.TriggeredBy), nullStr(ex.TriggerSource),
		timeOrNow(ex.CreatedAt), timeOrNow(ex.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id)
	ex, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return ex, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.OutputData != nil {
		sets = append(sets, "output_data = ?")
		args = append(args, string(update.OutputData))
	}
	if update.Context != nil {
		sets = append(sets, "context = ?")
		args = append(args, string(update.Context))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if update.ErrorDetails != nil {
		sets = append(sets, "error_details = ?")
		args = append(args, string(update.ErrorDetails))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflow_executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		executions = append(executions, ex)
	}
	return executions, rows.Err()
}

func scanExecution(scan func(dest ...any) error) (*Execution, error) {
	ex := &Execution{}
	var (
		status                              string
		input, output, execCtx              sql.NullString
		errMsg, errDetails                  sql.NullString
		triggeredBy, triggerSource          sql.NullString
		startedAt, completedAt              sql.NullTime
	)
	err := scan(&ex.ID, &ex.WorkflowID, &ex.TenantID, &status, &input, &output, &execCtx,
		&errMsg, &errDetails, &startedAt, &completedAt, &ex.RetryCount,
		&triggeredBy, &triggerSource, &ex.CreatedAt, &ex.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ex.Status = schema.ExecutionStatus(status)
	if input.Valid && input.String != "" {
		_ = json.Unmarshal([]byte(input.String), &ex.InputData)
	}
	ex.OutputData = rawOrNil(output)
	ex.Context = rawOrNil(execCtx)
	ex.ErrorMessage = errMsg.String
	ex.ErrorDetails = rawOrNil(errDetails)
	ex.TriggeredBy = triggeredBy.String
	ex.TriggerSource = triggerSource.String
	if startedAt.Valid {
		ex.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ex.CompletedAt = &completedAt.Time
	}
	return ex, nil
}

// --- Steps ---

const stepColumns = `id, execution_id, node_id, name, type, status, input, output, config, error_message, started_at, completed_at, retry_count, execution_order`

func (s *LibSQLStore) CreateStep(ctx context.Context, step *Step) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_steps (`+stepColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.ExecutionID, step.NodeID, nullStr(step.Name),
		string(step.Type), string(step.Status),
		nullRaw(step.Input), nullRaw(step.Output), nullRaw(step.Config),
		nullStr(step.ErrorMessage), nullTime(step.StartedAt), nullTime(step.CompletedAt),
		step.RetryCount, step.ExecutionOrder,
	)
	return err
}

func (s *LibSQLStore) UpdateStep(ctx context.Context, id string, update StepUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflow_steps SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step", id)
}

func (s *LibSQLStore) ListSteps(ctx context.Context, executionID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps WHERE execution_id = ? ORDER BY execution_order ASC`,
		executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		st := &Step{}
		var (
			name, errMsg           sql.NullString
			nodeType, status       string
			input, output, config  sql.NullString
			startedAt, completedAt sql.NullTime
		)
		if err := rows.Scan(&st.ID, &st.ExecutionID, &st.NodeID, &name, &nodeType, &status,
			&input, &output, &config, &errMsg, &startedAt, &completedAt,
			&st.RetryCount, &st.ExecutionOrder); err != nil {
			return nil, err
		}
		st.Name = name.String
		st.Type = schema.NodeType(nodeType)
		st.Status = schema.StepStatus(status)
		st.Input = rawOrNil(input)
		st.Output = rawOrNil(output)
		st.Config = rawOrNil(config)
		st.ErrorMessage = errMsg.String
		if startedAt.Valid {
			st.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			st.CompletedAt = &completedAt.Time
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// --- Templates ---

const templateColumns = `id, name, description, category, definition, default_config, tags, is_public, usage_count, rating, version, created_by, updated_by, created_at, updated_at`

func (s *LibSQLStore) CreateTemplate(ctx context.Context, tpl *Template) error {
	def, err := json.Marshal(tpl.Definition)
	if err != nil {
		return fmt.Errorf("marshal template definition: %w", err)
	}
	cfg, err := marshalMapOrNil(tpl.DefaultConfig)
	if err != nil {
		return fmt.Errorf("marshal default_config: %w", err)
	}
	tags, err := marshalSliceOrNil(tpl.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	if tpl.Version == 0 {
		tpl.Version = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_templates (`+templateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tpl.ID, tpl.Name, nullStr(tpl.Description), nullStr(tpl.Category),
		string(def), cfg, tags, boolToInt(tpl.IsPublic),
		tpl.UsageCount, tpl.Rating, tpl.Version,
		nullStr(tpl.CreatedBy), nullStr(tpl.UpdatedBy),
		timeOrNow(tpl.CreatedAt), timeOrNow(tpl.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTemplate(ctx context.Context, id string) (*Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM workflow_templates WHERE id = ?`, id)
	tpl, err := scanTemplate(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", id)
	}
	return tpl, err
}

func (s *LibSQLStore) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*Template, error) {
	var where []string
	var args []any

	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.PublicOnly {
		where = append(where, "is_public = 1")
	}

	query := `SELECT ` + templateColumns + ` FROM workflow_templates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY usage_count DESC, name ASC"
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		tpl, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

func (s *LibSQLStore) IncrementTemplateUsage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_templates SET usage_count = usage_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "template", id)
}

func scanTemplate(scan func(dest ...any) error) (*Template, error) {
	tpl := &Template{}
	var (
		desc, category, cfg, tags sql.NullString
		createdBy, updatedBy      sql.NullString
		defJSON                   string
		isPublic                  int
	)
	err := scan(&tpl.ID, &tpl.Name, &desc, &category, &defJSON, &cfg, &tags,
		&isPublic, &tpl.UsageCount, &tpl.Rating, &tpl.Version,
		&createdBy, &updatedBy, &tpl.CreatedAt, &tpl.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tpl.Description = desc.String
	tpl.Category = category.String
	tpl.CreatedBy = createdBy.String
	tpl.UpdatedBy = updatedBy.String
	tpl.IsPublic = isPublic != 0
	if err := json.Unmarshal([]byte(defJSON), &tpl.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal template definition: %w", err)
	}
	if cfg.Valid && cfg.String != "" {
		_ = json.Unmarshal([]byte(cfg.String), &tpl.DefaultConfig)
	}
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &tpl.Tags)
	}
	return tpl, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func limitClause(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	clause := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrNil(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func marshalSliceOrNil(s []string) (any, error) {
	if len(s) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*LibSQLStore)(nil)
