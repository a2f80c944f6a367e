package model

import "time"

type AuthType string

const AUTH_NONE AuthType = "none"
const AUTH_BASIC AuthType = "basic"
const AUTH_BEARER AuthType = "bearer"
const AUTH_API_KEY AuthType = "api_key"
const AUTH_OAUTH2_CLIENT_CREDENTIALS AuthType = "oauth2_client_credentials"

type AuthDescriptor struct {
	Type         AuthType `json:"type"`
	Username     string   `json:"username,omitempty"`
	Password     string   `json:"password,omitempty"`
	Token        string   `json:"token,omitempty"`
	KeyName      string   `json:"keyName,omitempty"`
	KeyValue     string   `json:"keyValue,omitempty"`
	KeyInQuery   bool     `json:"keyInQuery,omitempty"`
	TokenURL     string   `json:"tokenUrl,omitempty"`
	ClientId     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

type ServiceConfiguration struct {
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	ServiceType     string            `json:"serviceType,omitempty"`
	Endpoint        string            `json:"endpoint"`
	Method          string            `json:"method"`
	Headers         map[string]string `json:"headers,omitempty"`
	ParameterSchema string            `json:"parameterSchema,omitempty"`
	ResponseSchema  string            `json:"responseSchema,omitempty"`
	Auth            *AuthDescriptor   `json:"auth,omitempty"`
	Timeout         Duration          `json:"timeout,omitempty"`
	Active          bool              `json:"active"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// ServiceExecutionResult is written once per attempt and never updated.
type ServiceExecutionResult struct {
	Id           string         `json:"id"`
	InstanceId   string         `json:"instanceId"`
	NodeId       string         `json:"nodeId"`
	BranchId     string         `json:"branchId"`
	RequestId    string         `json:"requestId"`
	ServiceName  string         `json:"serviceName"`
	ServiceType  string         `json:"serviceType"`
	Attempt      int            `json:"attempt"`
	Request      map[string]any `json:"request,omitempty"`
	Response     map[string]any `json:"response,omitempty"`
	Success      bool           `json:"success"`
	StatusCode   int            `json:"statusCode"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	ErrorDetails string         `json:"errorDetails,omitempty"`
	StartedAt    time.Time      `json:"startedAt"`
	CompletedAt  time.Time      `json:"completedAt"`
}

// ServiceResponse is the outcome of an asynchronously dispatched call, fed
// back to the engine by the dispatcher or by an external callback.
type ServiceResponse struct {
	InstanceId   string                  `json:"instanceId"`
	RequestId    string                  `json:"requestId"`
	StatusCode   int                     `json:"statusCode"`
	Body         any                     `json:"body,omitempty"`
	Headers      map[string]any          `json:"headers,omitempty"`
	Error        string                  `json:"error,omitempty"`
	// NonRetryable marks a failure another attempt cannot fix.
	NonRetryable bool                    `json:"nonRetryable,omitempty"`
	Result       *ServiceExecutionResult `json:"-"`
}
