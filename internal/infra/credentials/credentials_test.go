package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"toolgate/internal/domain"
)

func TestStaticResolvesTenantBeforeShared(t *testing.T) {
	provider := NewStatic(map[string]map[string]map[string]string{
		"": {
			"jira": {"API_TOKEN": "shared-token"},
		},
		"acme": {
			"jira": {"API_TOKEN": "acme-token"},
		},
	})

	creds, err := provider.Credentials(context.Background(), "acme", "jira")
	require.NoError(t, err)
	require.Equal(t, "acme-token", creds["API_TOKEN"])

	creds, err = provider.Credentials(context.Background(), "other-tenant", "jira")
	require.NoError(t, err)
	require.Equal(t, "shared-token", creds["API_TOKEN"])
}

func TestStaticUnknownConnectorNotConfigured(t *testing.T) {
	provider := NewStatic(nil)

	_, err := provider.Credentials(context.Background(), "acme", "jira")

	require.ErrorIs(t, err, domain.ErrNotConfigured)
	require.Equal(t, domain.KindConfiguration, domain.KindFrom(err))
}

func TestStaticReturnsCopies(t *testing.T) {
	provider := NewStatic(map[string]map[string]map[string]string{
		"": {"jira": {"API_TOKEN": "token"}},
	})

	first, err := provider.Credentials(context.Background(), "", "jira")
	require.NoError(t, err)
	first["API_TOKEN"] = "mutated"

	second, err := provider.Credentials(context.Background(), "", "jira")
	require.NoError(t, err)
	require.Equal(t, "token", second["API_TOKEN"])
}

func TestEnvResolvesPrefixedVariables(t *testing.T) {
	t.Setenv("TOOLGATE_JIRA_API_TOKEN", "env-token")
	t.Setenv("TOOLGATE_JIRA_BASE_URL", "https://jira.example.com")
	provider := NewEnv("", func(string) []string { return []string{"API_TOKEN", "BASE_URL"} })

	creds, err := provider.Credentials(context.Background(), "", "jira")

	require.NoError(t, err)
	require.Equal(t, "env-token", creds["API_TOKEN"])
	require.Equal(t, "https://jira.example.com", creds["BASE_URL"])
}

func TestEnvMissingVariableNotConfigured(t *testing.T) {
	t.Setenv("TOOLGATE_JIRA_API_TOKEN", "env-token")
	provider := NewEnv("", func(string) []string { return []string{"API_TOKEN", "BASE_URL"} })

	_, err := provider.Credentials(context.Background(), "", "jira")

	require.ErrorIs(t, err, domain.ErrNotConfigured)
	require.ErrorContains(t, err, "TOOLGATE_JIRA_BASE_URL")
}

func TestEnvSanitizesConnectorID(t *testing.T) {
	t.Setenv("TOOLGATE_MY_STORE_API_KEY", "value")
	provider := NewEnv("", func(string) []string { return []string{"API_KEY"} })

	creds, err := provider.Credentials(context.Background(), "", "my-store")

	require.NoError(t, err)
	require.Equal(t, "value", creds["API_KEY"])
}
