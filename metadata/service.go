package metadata

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/flow"
	"github.com/mohitkumar/caseflow/logger"
	"github.com/mohitkumar/caseflow/model"
	"github.com/mohitkumar/caseflow/util"
	c "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

type MetadataService interface {
	CreateDefinition(ctx context.Context, def *model.WorkflowDefinition) (*model.WorkflowDefinition, error)
	UpdateDefinition(ctx context.Context, def *model.WorkflowDefinition) (*model.WorkflowDefinition, error)
	ValidateDefinition(ctx context.Context, id string) ([]api.ValidationIssue, error)
	ActivateDefinition(ctx context.Context, id string, actor string) (*model.WorkflowDefinition, error)
	DeactivateDefinition(ctx context.Context, id string, actor string) (*model.WorkflowDefinition, error)
	ArchiveDefinition(ctx context.Context, id string, actor string) (*model.WorkflowDefinition, error)
	NewVersion(ctx context.Context, id string, actor string) (*model.WorkflowDefinition, error)
	DeleteDefinition(ctx context.Context, id string) error
	GetDefinition(ctx context.Context, id string) (*model.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*model.WorkflowDefinition, error)
	GetFlow(ctx context.Context, id string) (*flow.Flow, error)
	GetActiveFlow(ctx context.Context, name string) (*flow.Flow, error)
	SaveServiceConfiguration(ctx context.Context, cfg *model.ServiceConfiguration) (*model.ServiceConfiguration, error)
	GetServiceConfiguration(ctx context.Context, name string) (*model.ServiceConfiguration, error)
	ListServiceConfigurations(ctx context.Context) ([]*model.ServiceConfiguration, error)
}

var _ MetadataService = new(MetadataServiceImpl)

type MetadataServiceImpl struct {
	storage MetadataStorage
	flows   *c.Cache
	now     func() time.Time
}

func NewMetadataService(storage MetadataStorage) *MetadataServiceImpl {
	return &MetadataServiceImpl{
		storage: storage,
		flows:   c.New(30*time.Minute, 10*time.Minute),
		now:     time.Now,
	}
}

func (s *MetadataServiceImpl) WithClock(now func() time.Time) *MetadataServiceImpl {
	s.now = now
	return s
}

func (s *MetadataServiceImpl) CreateDefinition(ctx context.Context, def *model.WorkflowDefinition) (*model.WorkflowDefinition, error) {
	if def.Name == "" {
		return nil, api.InvalidRequestError{Message: "definition name is required"}
	}
	out, err := util.Clone(*def)
	if err != nil {
		return nil, err
	}
	if out.Id == "" {
		out.Id = uuid.NewString()
	} else if _, err := s.storage.GetDefinition(ctx, out.Id); err == nil {
		return nil, api.InvalidRequestError{Message: fmt.Sprintf("definition %s already exists", out.Id)}
	} else if !api.IsNotFound(err) {
		return nil, err
	}
	version, err := s.latestVersion(ctx, out.Name)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out.Version = version + 1
	out.Status = model.DEFINITION_DRAFT
	out.CreatedAt = now
	out.UpdatedAt = now
	out.UpdatedBy = out.CreatedBy
	out.ActivatedAt = nil
	if err := s.storage.SaveDefinition(ctx, &out); err != nil {
		return nil, err
	}
	logger.Info("definition created", zap.String("definition", out.Id), zap.String("name", out.Name), zap.Int("version", out.Version))
	return &out, nil
}

// UpdateDefinition replaces the graph and descriptive fields of a Draft.
func (s *MetadataServiceImpl) UpdateDefinition(ctx context.Context, def *model.WorkflowDefinition) (*model.WorkflowDefinition, error) {
	current, err := s.storage.GetDefinition(ctx, def.Id)
	if err != nil {
		return nil, err
	}
	if current.Status != model.DEFINITION_DRAFT {
		return nil, api.InvalidRequestError{Message: fmt.Sprintf("definition %s is %s; only drafts can be edited", def.Id, current.Status)}
	}
	updated, err := util.Clone(*def)
	if err != nil {
		return nil, err
	}
	updated.Name = current.Name
	updated.Version = current.Version
	updated.Status = current.Status
	updated.CreatedBy = current.CreatedBy
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = s.now()
	if err := s.storage.SaveDefinition(ctx, &updated); err != nil {
		return nil, err
	}
	s.flows.Delete(def.Id)
	return &updated, nil
}

func (s *MetadataServiceImpl) ValidateDefinition(ctx context.Context, id string) ([]api.ValidationIssue, error) {
	def, err := s.storage.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	return flow.Validate(def), nil
}

// ActivateDefinition publishes a validated Draft. Any other active version
// of the same name becomes Inactive so a name resolves to one version.
func (s *MetadataServiceImpl) ActivateDefinition(ctx context.Context, id string, actor string) (*model.WorkflowDefinition, error) {
	def, err := s.storage.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.Status != model.DEFINITION_DRAFT {
		return nil, api.InvalidRequestError{Message: fmt.Sprintf("definition %s is %s; only drafts can be activated", id, def.Status)}
	}
	if _, err := flow.Convert(def); err != nil {
		return nil, err
	}
	all, err := s.storage.ListDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, other := range all {
		if other.Name == def.Name && other.Id != def.Id && other.Status == model.DEFINITION_ACTIVE {
			other.Status = model.DEFINITION_INACTIVE
			other.UpdatedAt = now
			other.UpdatedBy = actor
			if err := s.storage.SaveDefinition(ctx, other); err != nil {
				return nil, err
			}
			s.flows.Delete(other.Id)
		}
	}
	def.Status = model.DEFINITION_ACTIVE
	def.ActivatedAt = &now
	def.UpdatedAt = now
	def.UpdatedBy = actor
	if err := s.storage.SaveDefinition(ctx, def); err != nil {
		return nil, err
	}
	s.flows.Delete(id)
	logger.Info("definition activated", zap.String("definition", id), zap.String("name", def.Name), zap.Int("version", def.Version))
	return def, nil
}

// DeactivateDefinition stops new instances. Running instances continue.
func (s *MetadataServiceImpl) DeactivateDefinition(ctx context.Context, id string, actor string) (*model.WorkflowDefinition, error) {
	return s.transition(ctx, id, actor, model.DEFINITION_INACTIVE, model.DEFINITION_ACTIVE)
}

func (s *MetadataServiceImpl) ArchiveDefinition(ctx context.Context, id string, actor string) (*model.WorkflowDefinition, error) {
	return s.transition(ctx, id, actor, model.DEFINITION_ARCHIVED, model.DEFINITION_DRAFT, model.DEFINITION_ACTIVE, model.DEFINITION_INACTIVE)
}

func (s *MetadataServiceImpl) transition(ctx context.Context, id string, actor string, to model.DefinitionStatus, from ...model.DefinitionStatus) (*model.WorkflowDefinition, error) {
	def, err := s.storage.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	allowed := false
	for _, f := range from {
		if def.Status == f {
			allowed = true
		}
	}
	if !allowed {
		return nil, api.InvalidRequestError{Message: fmt.Sprintf("definition %s cannot move from %s to %s", id, def.Status, to)}
	}
	def.Status = to
	def.UpdatedAt = s.now()
	def.UpdatedBy = actor
	if err := s.storage.SaveDefinition(ctx, def); err != nil {
		return nil, err
	}
	s.flows.Delete(id)
	return def, nil
}

// NewVersion copies any version of a definition into a new Draft numbered
// after the latest version of its name.
func (s *MetadataServiceImpl) NewVersion(ctx context.Context, id string, actor string) (*model.WorkflowDefinition, error) {
	def, err := s.storage.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	draft, err := util.Clone(*def)
	if err != nil {
		return nil, err
	}
	draft.Id = ""
	draft.CreatedBy = actor
	return s.CreateDefinition(ctx, &draft)
}

// DeleteDefinition removes a definition that is not Active and has no
// instance still running against it.
func (s *MetadataServiceImpl) DeleteDefinition(ctx context.Context, id string) error {
	def, err := s.storage.GetDefinition(ctx, id)
	if err != nil {
		return err
	}
	if def.Status == model.DEFINITION_ACTIVE {
		return api.InvalidRequestError{Message: fmt.Sprintf("definition %s is Active; deactivate it first", id)}
	}
	n, err := s.storage.CountActiveInstances(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return api.InvalidRequestError{Message: fmt.Sprintf("definition %s has %d active instances", id, n)}
	}
	if err := s.storage.DeleteDefinition(ctx, id); err != nil {
		return err
	}
	s.flows.Delete(id)
	return nil
}

func (s *MetadataServiceImpl) GetDefinition(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	return s.storage.GetDefinition(ctx, id)
}

func (s *MetadataServiceImpl) ListDefinitions(ctx context.Context) ([]*model.WorkflowDefinition, error) {
	return s.storage.ListDefinitions(ctx)
}

func (s *MetadataServiceImpl) latestVersion(ctx context.Context, name string) (int, error) {
	all, err := s.storage.ListDefinitions(ctx)
	if err != nil {
		return 0, err
	}
	latest := 0
	for _, d := range all {
		if d.Name == name && d.Version > latest {
			latest = d.Version
		}
	}
	return latest, nil
}

// GetFlow returns the compiled graph of a definition. Compiled flows are
// cached until the definition changes.
func (s *MetadataServiceImpl) GetFlow(ctx context.Context, id string) (*flow.Flow, error) {
	if cached, found := s.flows.Get(id); found {
		return cached.(*flow.Flow), nil
	}
	def, err := s.storage.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	fl, err := flow.Convert(def)
	if err != nil {
		return nil, err
	}
	s.flows.SetDefault(id, fl)
	return fl, nil
}

func (s *MetadataServiceImpl) GetActiveFlow(ctx context.Context, name string) (*flow.Flow, error) {
	all, err := s.storage.ListDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range all {
		if d.Name == name && d.Status == model.DEFINITION_ACTIVE {
			return s.GetFlow(ctx, d.Id)
		}
	}
	return nil, api.NotFoundError{Entity: "active definition", Id: name}
}

func (s *MetadataServiceImpl) SaveServiceConfiguration(ctx context.Context, cfg *model.ServiceConfiguration) (*model.ServiceConfiguration, error) {
	if cfg.Name == "" || cfg.Endpoint == "" {
		return nil, api.InvalidRequestError{Message: "service name and endpoint are required"}
	}
	if cfg.Auth != nil {
		switch cfg.Auth.Type {
		case model.AUTH_NONE, model.AUTH_BASIC, model.AUTH_BEARER, model.AUTH_API_KEY, model.AUTH_OAUTH2_CLIENT_CREDENTIALS:
		default:
			return nil, api.InvalidRequestError{Message: fmt.Sprintf("unsupported auth type %q", cfg.Auth.Type)}
		}
	}
	out := *cfg
	now := s.now()
	if existing, err := s.storage.GetServiceConfiguration(ctx, cfg.Name); err == nil {
		out.CreatedAt = existing.CreatedAt
	} else if api.IsNotFound(err) {
		out.CreatedAt = now
	} else {
		return nil, err
	}
	out.UpdatedAt = now
	if err := s.storage.SaveServiceConfiguration(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MetadataServiceImpl) GetServiceConfiguration(ctx context.Context, name string) (*model.ServiceConfiguration, error) {
	return s.storage.GetServiceConfiguration(ctx, name)
}

func (s *MetadataServiceImpl) ListServiceConfigurations(ctx context.Context) ([]*model.ServiceConfiguration, error) {
	return s.storage.ListServiceConfigurations(ctx)
}
