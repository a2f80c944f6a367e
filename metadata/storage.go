package metadata

import (
	"context"

	"github.com/mohitkumar/caseflow/persistence"
)

// MetadataStorage is the part of the store the metadata service needs.
type MetadataStorage interface {
	persistence.DefinitionStore
	persistence.ServiceConfigStore
	CountActiveInstances(ctx context.Context, definitionId string) (int, error)
}
