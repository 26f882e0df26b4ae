package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"

	"toolgate/internal/domain"
)

// Provider hands out scoped plaintext credentials for one tenant and
// connector. Implementations own decryption and storage; this engine
// only ever sees the scoped map.
type Provider interface {
	Credentials(ctx context.Context, tenant, connectorID string) (map[string]string, error)
}

// Static serves credentials from an in-memory map, keyed by tenant then
// connector. The zero tenant key "" holds credentials shared by every
// tenant.
type Static struct {
	byTenant map[string]map[string]map[string]string
}

func NewStatic(byTenant map[string]map[string]map[string]string) *Static {
	if byTenant == nil {
		byTenant = map[string]map[string]map[string]string{}
	}
	return &Static{byTenant: byTenant}
}

func (s *Static) Credentials(_ context.Context, tenant, connectorID string) (map[string]string, error) {
	for _, key := range []string{tenant, ""} {
		if connectors, ok := s.byTenant[key]; ok {
			if creds, ok := connectors[connectorID]; ok {
				out := make(map[string]string, len(creds))
				for field, value := range creds {
					out[field] = value
				}
				return out, nil
			}
		}
	}
	return nil, domain.E(domain.KindConfiguration, "credentials.Credentials",
		fmt.Sprintf("connector %s has no credentials for tenant", connectorID), domain.ErrNotConfigured)
}

// Env resolves credential fields from process environment variables
// named <PREFIX>_<CONNECTOR>_<FIELD>, e.g. TOOLGATE_JIRA_API_TOKEN.
// Intended for single-tenant deployments; the tenant is ignored.
type Env struct {
	prefix string
	fields func(connectorID string) []string
}

// NewEnv builds an environment-backed provider. fields reports the
// required credential fields per connector, typically the descriptor's
// RequiredFields.
func NewEnv(prefix string, fields func(connectorID string) []string) *Env {
	if prefix == "" {
		prefix = "TOOLGATE"
	}
	return &Env{prefix: prefix, fields: fields}
}

func (e *Env) Credentials(_ context.Context, _, connectorID string) (map[string]string, error) {
	required := e.fields(connectorID)
	creds := make(map[string]string, len(required))
	var missing []string
	for _, field := range required {
		name := e.variableName(connectorID, field)
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			missing = append(missing, name)
			continue
		}
		creds[field] = value
	}
	if len(missing) > 0 {
		return nil, domain.E(domain.KindConfiguration, "credentials.Credentials",
			fmt.Sprintf("connector %s: unset environment variables: %s", connectorID, strings.Join(missing, ", ")),
			domain.ErrNotConfigured)
	}
	return creds, nil
}

func (e *Env) variableName(connectorID, field string) string {
	sanitize := func(s string) string {
		s = strings.ToUpper(s)
		return strings.Map(func(r rune) rune {
			if ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9') {
				return r
			}
			return '_'
		}, s)
	}
	return e.prefix + "_" + sanitize(connectorID) + "_" + sanitize(field)
}
