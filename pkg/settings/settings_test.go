package settings

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbrigandi/soctalk/pkg/config"
)

func testConfig() *config.Config {
	return &config.Config{
		LLM: config.LLMConfig{
			Provider:       "openai",
			APIKey:         "sk-test",
			FastModel:      "gpt-4o-mini",
			ReasoningModel: "gpt-4o",
		},
		Integrations: config.IntegrationsConfig{
			WazuhURL:     "https://wazuh.internal:55000",
			CortexAPIKey: "cortex-key",
		},
		HIL: config.HILConfig{SlackChannel: "#soc-reviews"},
	}
}

func newMockProvider(t *testing.T, cfg *config.Config) (*Provider, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewProvider(sqlx.NewDb(db, "pgx"), cfg), mock
}

func TestEffectiveDefaultsComeFromEnv(t *testing.T) {
	p, _ := newMockProvider(t, testConfig())

	eff := p.Effective()
	assert.False(t, eff.Readonly)
	assert.Equal(t, Field{Value: "openai", Source: SourceEnv}, eff.Fields["llm_provider"])
	assert.Equal(t, Field{Value: "https://wazuh.internal:55000", Source: SourceEnv}, eff.Fields["wazuh_url"])
	assert.Equal(t, Field{Value: true, Source: SourceEnv}, eff.Fields["notify_on_escalation"])
	assert.Equal(t, Field{Value: false, Source: SourceEnv}, eff.Fields["notify_on_verdict"])

	assert.True(t, eff.Secrets["llm_api_key"])
	assert.True(t, eff.Secrets["cortex_api_key"])
	assert.False(t, eff.Secrets["misp_api_key"])
}

func TestLoadAppliesStoredOverrides(t *testing.T) {
	p, mock := newMockProvider(t, testConfig())

	mock.ExpectQuery(`SELECT settings FROM user_settings`).
		WithArgs("default").
		WillReturnRows(sqlmock.NewRows([]string{"settings"}).
			AddRow([]byte(`{"llm_provider":"anthropic","notify_on_verdict":true}`)))

	require.NoError(t, p.Load(context.Background()))

	eff := p.Effective()
	assert.Equal(t, Field{Value: "anthropic", Source: SourceDB}, eff.Fields["llm_provider"])
	assert.Equal(t, Field{Value: true, Source: SourceDB}, eff.Fields["notify_on_verdict"])
	// Untouched fields keep their environment value.
	assert.Equal(t, Field{Value: "gpt-4o-mini", Source: SourceEnv}, eff.Fields["llm_fast_model"])
	assert.True(t, p.NotifyOnVerdict())
}

func TestLoadWithoutStoredRowKeepsEnv(t *testing.T) {
	p, mock := newMockProvider(t, testConfig())

	mock.ExpectQuery(`SELECT settings FROM user_settings`).
		WithArgs("default").
		WillReturnRows(sqlmock.NewRows([]string{"settings"}))

	require.NoError(t, p.Load(context.Background()))
	assert.Equal(t, SourceEnv, p.Effective().Fields["llm_provider"].Source)
}

func TestUpdateMergesAndPersists(t *testing.T) {
	p, mock := newMockProvider(t, testConfig())

	mock.ExpectExec(`INSERT INTO user_settings`).
		WithArgs("default", []byte(`{"misp_url":"https://misp.internal"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.Update(context.Background(), Values{MISPURL: "https://misp.internal"})
	require.NoError(t, err)

	eff := p.Effective()
	assert.Equal(t, Field{Value: "https://misp.internal", Source: SourceDB}, eff.Fields["misp_url"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePreservesEarlierOverrides(t *testing.T) {
	p, mock := newMockProvider(t, testConfig())

	mock.ExpectExec(`INSERT INTO user_settings`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO user_settings`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Update(context.Background(), Values{LLMProvider: "anthropic"}))
	require.NoError(t, p.Update(context.Background(), Values{CortexURL: "https://cortex.internal"}))

	eff := p.Effective()
	assert.Equal(t, SourceDB, eff.Fields["llm_provider"].Source)
	assert.Equal(t, SourceDB, eff.Fields["cortex_url"].Source)
}

func TestUpdateReadonlyRejected(t *testing.T) {
	cfg := testConfig()
	cfg.SettingsReadonly = true
	p, mock := newMockProvider(t, cfg)

	err := p.Update(context.Background(), Values{LLMProvider: "anthropic"})
	assert.ErrorIs(t, err, ErrReadonly)
	assert.ErrorIs(t, p.Reset(context.Background()), ErrReadonly)
	assert.True(t, p.Effective().Readonly)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadonlySkipsStoredDocument(t *testing.T) {
	cfg := testConfig()
	cfg.SettingsReadonly = true
	p, mock := newMockProvider(t, cfg)

	// No query expected: readonly deployments never read the table.
	require.NoError(t, p.Load(context.Background()))
	assert.Equal(t, SourceEnv, p.Effective().Fields["llm_provider"].Source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetDropsOverrides(t *testing.T) {
	p, mock := newMockProvider(t, testConfig())

	mock.ExpectExec(`INSERT INTO user_settings`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO user_settings`).
		WithArgs("default", []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Update(context.Background(), Values{LLMProvider: "anthropic"}))
	require.NoError(t, p.Reset(context.Background()))

	assert.Equal(t, SourceEnv, p.Effective().Fields["llm_provider"].Source)
}
