package invocation

import (
	"context"
	"net/http"
	"strings"

	"github.com/mohitkumar/caseflow/model"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const defaultAPIKeyHeader = "X-API-Key"

func (iv *Invoker) applyAuth(req *http.Request, serviceName string, auth *model.AuthDescriptor) error {
	if auth == nil {
		return nil
	}
	switch auth.Type {
	case model.AUTH_NONE, "":
	case model.AUTH_BASIC:
		req.SetBasicAuth(auth.Username, auth.Password)
	case model.AUTH_BEARER:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case model.AUTH_API_KEY:
		name := auth.KeyName
		if name == "" {
			name = defaultAPIKeyHeader
		}
		if auth.KeyInQuery {
			q := req.URL.Query()
			q.Set(name, auth.KeyValue)
			req.URL.RawQuery = q.Encode()
		} else {
			req.Header.Set(name, auth.KeyValue)
		}
	case model.AUTH_OAUTH2_CLIENT_CREDENTIALS:
		token, err := iv.tokenSource(serviceName, auth).Token()
		if err != nil {
			return err
		}
		token.SetAuthHeader(req)
	default:
		return unsupportedAuth(auth.Type)
	}
	return nil
}

// tokenSource caches one reusing token source per service and client.
func (iv *Invoker) tokenSource(serviceName string, auth *model.AuthDescriptor) oauth2.TokenSource {
	key := strings.Join([]string{serviceName, auth.TokenURL, auth.ClientId}, "|")
	if ts, ok := iv.tokens.Load(key); ok {
		return ts.(oauth2.TokenSource)
	}
	cfg := clientcredentials.Config{
		ClientID:     auth.ClientId,
		ClientSecret: auth.ClientSecret,
		TokenURL:     auth.TokenURL,
		Scopes:       auth.Scopes,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, iv.tokenClient)
	ts, _ := iv.tokens.LoadOrStore(key, oauth2.ReuseTokenSource(nil, cfg.TokenSource(ctx)))
	return ts.(oauth2.TokenSource)
}

// redactHeaders copies headers for the request snapshot without credentials.
func redactHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		switch strings.ToLower(k) {
		case "authorization", "proxy-authorization", strings.ToLower(defaultAPIKeyHeader):
			out[k] = "***"
		default:
			out[k] = strings.Join(v, ",")
		}
	}
	return out
}
