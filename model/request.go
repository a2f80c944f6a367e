package model

type CreateInstanceRequest struct {
	DefinitionId  string         `json:"definitionId"`
	ApplicationId string         `json:"applicationId,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	StartedBy     string         `json:"startedBy,omitempty"`
	MaxRetries    int            `json:"maxRetries,omitempty"`
}

type CancelInstanceRequest struct {
	InstanceId  string `json:"instanceId"`
	Reason      string `json:"reason"`
	CancelledBy string `json:"cancelledBy,omitempty"`
}
