package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/model"
	"github.com/mohitkumar/caseflow/persistence"
	"github.com/mohitkumar/caseflow/util"
)

type Config struct {
	URL      string
	MaxConns int32
}

const schema = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	version  INT NOT NULL,
	document JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS service_configurations (
	name     TEXT PRIMARY KEY,
	document JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS workflow_instances (
	id             TEXT PRIMARY KEY,
	definition_id  TEXT NOT NULL,
	application_id TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	version        BIGINT NOT NULL,
	document       JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_instances_definition ON workflow_instances (definition_id);
CREATE TABLE IF NOT EXISTS workflow_tasks (
	id          TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	assignee    TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	due_date    TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL,
	document    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_tasks_instance ON workflow_tasks (instance_id);
CREATE INDEX IF NOT EXISTS workflow_tasks_assignee ON workflow_tasks (assignee);
CREATE TABLE IF NOT EXISTS workflow_instance_logs (
	id          TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	sequence    BIGINT NOT NULL,
	document    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_instance_logs_instance ON workflow_instance_logs (instance_id, sequence);
CREATE TABLE IF NOT EXISTS service_execution_results (
	id          TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	attempt     INT NOT NULL,
	document    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS service_execution_results_instance ON service_execution_results (instance_id);
CREATE TABLE IF NOT EXISTS assignment_counters (
	key   TEXT PRIMARY KEY,
	value BIGINT NOT NULL
);
`

var _ persistence.Store = new(postgresStore)

type postgresStore struct {
	db               *pgxpool.Pool
	definitionEncDec util.EncoderDecoder[model.WorkflowDefinition]
	serviceEncDec    util.EncoderDecoder[model.ServiceConfiguration]
	instanceEncDec   util.EncoderDecoder[model.WorkflowInstance]
	taskEncDec       util.EncoderDecoder[model.WorkflowTask]
	logEncDec        util.EncoderDecoder[model.WorkflowInstanceLog]
	resultEncDec     util.EncoderDecoder[model.ServiceExecutionResult]
}

// Connect opens a pool against conf.URL and creates the schema.
func Connect(ctx context.Context, conf Config) (*postgresStore, error) {
	poolConf, err := pgxpool.ParseConfig(conf.URL)
	if err != nil {
		return nil, err
	}
	if conf.MaxConns > 0 {
		poolConf.MaxConns = conf.MaxConns
	}
	db, err := pgxpool.NewWithConfig(ctx, poolConf)
	if err != nil {
		return nil, storageError(err)
	}
	store := NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func NewPostgresStore(db *pgxpool.Pool) *postgresStore {
	return &postgresStore{
		db:               db,
		definitionEncDec: util.NewJsonEncoderDecoder[model.WorkflowDefinition](),
		serviceEncDec:    util.NewJsonEncoderDecoder[model.ServiceConfiguration](),
		instanceEncDec:   util.NewJsonEncoderDecoder[model.WorkflowInstance](),
		taskEncDec:       util.NewJsonEncoderDecoder[model.WorkflowTask](),
		logEncDec:        util.NewJsonEncoderDecoder[model.WorkflowInstanceLog](),
		resultEncDec:     util.NewJsonEncoderDecoder[model.ServiceExecutionResult](),
	}
}

func storageError(err error) error {
	return api.PersistenceError{Message: err.Error()}
}

func (s *postgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return storageError(err)
	}
	return nil
}

// queryDocuments runs query and decodes the single JSONB column of each row.
func queryDocuments[T any](ctx context.Context, db *pgxpool.Pool, encDec util.EncoderDecoder[T], query string, args ...any) ([]*T, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, storageError(err)
	}
	defer rows.Close()
	var out []*T
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, storageError(err)
		}
		v, err := encDec.Decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err)
	}
	return out, nil
}

func getDocument[T any](ctx context.Context, db *pgxpool.Pool, encDec util.EncoderDecoder[T], entity string, id string, query string) (*T, error) {
	var doc []byte
	err := db.QueryRow(ctx, query, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, api.NotFoundError{Entity: entity, Id: id}
	}
	if err != nil {
		return nil, storageError(err)
	}
	return encDec.Decode(doc)
}

func (s *postgresStore) SaveDefinition(ctx context.Context, def *model.WorkflowDefinition) error {
	data, err := s.definitionEncDec.Encode(*def)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO workflow_definitions (id, name, version, document) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, version = EXCLUDED.version, document = EXCLUDED.document`,
		def.Id, def.Name, def.Version, data)
	if err != nil {
		return storageError(err)
	}
	return nil
}

func (s *postgresStore) GetDefinition(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	return getDocument(ctx, s.db, s.definitionEncDec, "definition", id,
		"SELECT document FROM workflow_definitions WHERE id = $1")
}

func (s *postgresStore) ListDefinitions(ctx context.Context) ([]*model.WorkflowDefinition, error) {
	out, err := queryDocuments(ctx, s.db, s.definitionEncDec, "SELECT document FROM workflow_definitions")
	if err != nil {
		return nil, err
	}
	persistence.SortDefinitions(out)
	return out, nil
}

func (s *postgresStore) DeleteDefinition(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM workflow_definitions WHERE id = $1", id)
	if err != nil {
		return storageError(err)
	}
	if tag.RowsAffected() == 0 {
		return api.NotFoundError{Entity: "definition", Id: id}
	}
	return nil
}

func (s *postgresStore) SaveServiceConfiguration(ctx context.Context, cfg *model.ServiceConfiguration) error {
	data, err := s.serviceEncDec.Encode(*cfg)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO service_configurations (name, document) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET document = EXCLUDED.document`, cfg.Name, data)
	if err != nil {
		return storageError(err)
	}
	return nil
}

func (s *postgresStore) GetServiceConfiguration(ctx context.Context, name string) (*model.ServiceConfiguration, error) {
	return getDocument(ctx, s.db, s.serviceEncDec, "service configuration", name,
		"SELECT document FROM service_configurations WHERE name = $1")
}

func (s *postgresStore) ListServiceConfigurations(ctx context.Context) ([]*model.ServiceConfiguration, error) {
	return queryDocuments(ctx, s.db, s.serviceEncDec, "SELECT document FROM service_configurations ORDER BY name")
}

func (s *postgresStore) GetInstance(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	return getDocument(ctx, s.db, s.instanceEncDec, "instance", id,
		"SELECT document FROM workflow_instances WHERE id = $1")
}

func (s *postgresStore) ListInstances(ctx context.Context, filter model.InstanceFilter) ([]*model.WorkflowInstance, error) {
	return queryDocuments(ctx, s.db, s.instanceEncDec, `SELECT document FROM workflow_instances
		WHERE ($1 = '' OR definition_id = $1) AND ($2 = '' OR application_id = $2) AND ($3 = '' OR status = $3)
		ORDER BY started_at`, filter.DefinitionId, filter.ApplicationId, string(filter.Status))
}

func (s *postgresStore) CountActiveInstances(ctx context.Context, definitionId string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM workflow_instances WHERE definition_id = $1 AND status <> ALL($2)`,
		definitionId, []string{string(model.INSTANCE_COMPLETED), string(model.INSTANCE_FAILED), string(model.INSTANCE_CANCELLED)}).Scan(&n)
	if err != nil {
		return 0, storageError(err)
	}
	return n, nil
}

func (s *postgresStore) DeleteInstance(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, "DELETE FROM workflow_instances WHERE id = $1", id)
		if err != nil {
			return storageError(err)
		}
		if tag.RowsAffected() == 0 {
			return api.NotFoundError{Entity: "instance", Id: id}
		}
		for _, table := range []string{"workflow_tasks", "workflow_instance_logs", "service_execution_results"} {
			if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE instance_id = $1", id); err != nil {
				return storageError(err)
			}
		}
		return nil
	})
}

func (s *postgresStore) GetTask(ctx context.Context, id string) (*model.WorkflowTask, error) {
	return getDocument(ctx, s.db, s.taskEncDec, "task", id, "SELECT document FROM workflow_tasks WHERE id = $1")
}

func (s *postgresStore) ListTasksByInstance(ctx context.Context, instanceId string) ([]*model.WorkflowTask, error) {
	return queryDocuments(ctx, s.db, s.taskEncDec,
		"SELECT document FROM workflow_tasks WHERE instance_id = $1 ORDER BY created_at", instanceId)
}

func (s *postgresStore) ListTasksByAssignee(ctx context.Context, userId string) ([]*model.WorkflowTask, error) {
	return queryDocuments(ctx, s.db, s.taskEncDec,
		"SELECT document FROM workflow_tasks WHERE assignee = $1 ORDER BY created_at", userId)
}

func (s *postgresStore) ListOpenTasksDueBefore(ctx context.Context, at time.Time) ([]*model.WorkflowTask, error) {
	return queryDocuments(ctx, s.db, s.taskEncDec, `SELECT document FROM workflow_tasks
		WHERE due_date IS NOT NULL AND due_date < $1 AND status <> ALL($2) ORDER BY created_at`,
		at, []string{string(model.TASK_COMPLETED), string(model.TASK_CANCELLED), string(model.TASK_OVERDUE)})
}

func (s *postgresStore) GetWorkload(ctx context.Context, userIds []string) (map[string]model.Workload, error) {
	tasks, err := queryDocuments(ctx, s.db, s.taskEncDec,
		"SELECT document FROM workflow_tasks WHERE assignee = ANY($1)", userIds)
	if err != nil {
		return nil, err
	}
	return persistence.Workloads(userIds, tasks), nil
}

func (s *postgresStore) ListLogs(ctx context.Context, instanceId string) ([]*model.WorkflowInstanceLog, error) {
	return queryDocuments(ctx, s.db, s.logEncDec,
		"SELECT document FROM workflow_instance_logs WHERE instance_id = $1 ORDER BY sequence", instanceId)
}

func (s *postgresStore) ListServiceResults(ctx context.Context, instanceId string) ([]*model.ServiceExecutionResult, error) {
	return queryDocuments(ctx, s.db, s.resultEncDec,
		"SELECT document FROM service_execution_results WHERE instance_id = $1 ORDER BY started_at, attempt", instanceId)
}

func (s *postgresStore) NextAssignmentCounter(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `INSERT INTO assignment_counters (key, value) VALUES ($1, 1)
		ON CONFLICT (key) DO UPDATE SET value = assignment_counters.value + 1 RETURNING value`, key).Scan(&n)
	if err != nil {
		return 0, storageError(err)
	}
	return n - 1, nil
}

// Commit writes the change set in one transaction, locking each instance row
// to compare its version.
func (s *postgresStore) Commit(ctx context.Context, cs *persistence.ChangeSet) error {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		for _, wi := range cs.Instances {
			if err := s.writeInstance(ctx, tx, wi); err != nil {
				return err
			}
		}
		for _, t := range cs.Tasks {
			data, err := s.taskEncDec.Encode(*t)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `INSERT INTO workflow_tasks (id, instance_id, assignee, status, due_date, created_at, document)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (id) DO UPDATE SET assignee = EXCLUDED.assignee, status = EXCLUDED.status,
					due_date = EXCLUDED.due_date, document = EXCLUDED.document`,
				t.Id, t.InstanceId, t.AssignedToUserId, string(t.Status), t.DueDate, t.CreatedAt, data)
			if err != nil {
				return storageError(err)
			}
		}
		for _, l := range cs.Logs {
			data, err := s.logEncDec.Encode(*l)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, "INSERT INTO workflow_instance_logs (id, instance_id, sequence, document) VALUES ($1, $2, $3, $4)",
				l.Id, l.InstanceId, l.Sequence, data)
			if err != nil {
				return storageError(err)
			}
		}
		for _, r := range cs.ServiceResults {
			data, err := s.resultEncDec.Encode(*r)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, "INSERT INTO service_execution_results (id, instance_id, started_at, attempt, document) VALUES ($1, $2, $3, $4, $5)",
				r.Id, r.InstanceId, r.StartedAt, r.Attempt, data)
			if err != nil {
				return storageError(err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	persistence.BumpVersions(cs)
	return nil
}

func (s *postgresStore) writeInstance(ctx context.Context, tx pgx.Tx, wi *model.WorkflowInstance) error {
	var stored int64
	exists := true
	err := tx.QueryRow(ctx, "SELECT version FROM workflow_instances WHERE id = $1 FOR UPDATE", wi.Id).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		exists = false
	} else if err != nil {
		return storageError(err)
	}
	if err := persistence.CheckVersion(wi, stored, exists); err != nil {
		return err
	}
	next := *wi
	next.Version = wi.Version + 1
	data, err := s.instanceEncDec.Encode(next)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO workflow_instances (id, definition_id, application_id, status, started_at, version, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, version = EXCLUDED.version, document = EXCLUDED.document`,
		wi.Id, wi.DefinitionId, wi.ApplicationId, string(wi.Status), wi.StartedAt, next.Version, data)
	if err != nil {
		return storageError(err)
	}
	return nil
}

func (s *postgresStore) Close() error {
	s.db.Close()
	return nil
}
