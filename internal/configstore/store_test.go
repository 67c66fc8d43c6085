package configstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/orbit/internal/logging"
	"github.com/msageha/orbit/internal/model"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s := New(filepath.Join(dir, "config_store.yaml"), filepath.Join(dir, "quarantine"), clock.NewMock(), logging.Discard())
	desc := model.ServiceDescriptor{Name: "web", Priority: model.PriorityNormal}.WithDefaults()
	require.NoError(t, s.Register(desc, &model.ServiceConfig{
		Network: model.NetworkConfig{BindAddress: "127.0.0.1", BindPort: 8080},
	}, true))
	return s
}

func TestPutGet_FixedKeys(t *testing.T) {
	s := newStore(t)

	cfg, err := s.Put("web", "network.bind_port", model.IntValue(9090))
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Network.BindPort)
	assert.Equal(t, 2, cfg.Version)

	v, err := s.Get("web", "network.bind_port")
	require.NoError(t, err)
	assert.Equal(t, model.IntValue(9090), v)

	_, err = s.Put("web", "monitoring.health_interval", model.StringValue("250ms"))
	require.NoError(t, err)
	_, err = s.Put("web", "monitoring.health_timeout", model.IntValue(40))
	require.NoError(t, err)
	cfg, err = s.Config("web")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Monitoring.HealthInterval)
	assert.Equal(t, 40*time.Millisecond, cfg.Monitoring.HealthTimeout)
	assert.Equal(t, 4, cfg.Version)

	_, err = s.Put("web", "security.capabilities", model.StringValue("net_bind, chown"))
	require.NoError(t, err)
	v, err = s.Get("web", "security.capabilities")
	require.NoError(t, err)
	assert.Equal(t, model.ArrayValue(model.StringValue("net_bind"), model.StringValue("chown")), v)
}

func TestPut_RejectsAndKeepsPreviousConfig(t *testing.T) {
	s := newStore(t)

	tests := []struct {
		name string
		key  string
		val  model.Value
		kind model.Kind
	}{
		{"out of range port", "network.bind_port", model.IntValue(70000), model.KindInvalidArgument},
		{"wrong type", "network.bind_port", model.StringValue("http"), model.KindInvalidArgument},
		{"bad duration", "monitoring.health_interval", model.StringValue("soon"), model.KindInvalidArgument},
		{"read-only", "version", model.IntValue(7), model.KindInvalidArgument},
		{"unknown key", "network.mtu", model.IntValue(1500), model.KindInvalidArgument},
		{"unknown section", "bogus.key", model.IntValue(1), model.KindInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Put("web", tt.key, tt.val)
			require.Error(t, err)
			assert.Equal(t, tt.kind, model.KindOf(err))
		})
	}

	cfg, err := s.Config("web")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Network.BindPort)
	assert.Equal(t, 1, cfg.Version)
}

func TestPut_ValidationErrorNamesField(t *testing.T) {
	s := newStore(t)
	_, err := s.Put("web", "resources.nice_level", model.IntValue(40))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resources.nice_level")
}

func TestSettings_NestedPaths(t *testing.T) {
	s := newStore(t)

	_, err := s.Put("web", "settings.db.host", model.StringValue("db1"))
	require.NoError(t, err)
	_, err = s.Put("web", "settings.db.port", model.IntValue(5432))
	require.NoError(t, err)
	_, err = s.Put("web", "settings.debug", model.BoolValue(true))
	require.NoError(t, err)

	before, err := s.Config("web")
	require.NoError(t, err)

	v, err := s.Get("web", "settings.db.host")
	require.NoError(t, err)
	assert.Equal(t, model.StringValue("db1"), v)

	v, err = s.Get("web", "settings.db")
	require.NoError(t, err)
	assert.Equal(t, model.ValueObject, v.Type)

	_, err = s.Get("web", "settings.db.user")
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
	_, err = s.Get("web", "settings.debug.inner")
	assert.Equal(t, model.KindNotFound, model.KindOf(err))

	// Writing a nested key must not mutate an earlier copy.
	_, err = s.Put("web", "settings.db.host", model.StringValue("db2"))
	require.NoError(t, err)
	db, _ := before.Settings["db"].AsObject()
	assert.Equal(t, model.StringValue("db1"), db["host"])

	keys, err := s.Keys("web")
	require.NoError(t, err)
	assert.Contains(t, keys, "settings.db.host")
	assert.Contains(t, keys, "settings.db.port")
	assert.Contains(t, keys, "settings.debug")
	assert.Contains(t, keys, "network.bind_port")
	assert.NotContains(t, keys, "network.protocol")

	_, err = s.Delete("web", "settings.db.port")
	require.NoError(t, err)
	_, err = s.Get("web", "settings.db.port")
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
	_, err = s.Delete("web", "settings.db.port")
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
	_, err = s.Delete("web", "network.bind_port")
	assert.Equal(t, model.KindInvalidArgument, model.KindOf(err))
}

func TestEnvironmentAndSecrets(t *testing.T) {
	s := newStore(t)

	_, err := s.Put("web", "environment.MODE", model.StringValue("prod"))
	require.NoError(t, err)
	_, err = s.Put("web", "secrets.TOKEN", model.StringValue("vault:web/token"))
	require.NoError(t, err)

	v, err := s.Get("web", "environment.MODE")
	require.NoError(t, err)
	assert.Equal(t, "prod", v.Str)

	v, err = s.Get("web", "secrets.TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "********", Masked("secrets.TOKEN", v))
	assert.Equal(t, "prod", Masked("environment.MODE", model.StringValue("prod")))
}

func TestUnknownService(t *testing.T) {
	s := newStore(t)
	_, err := s.Get("api", "network.bind_port")
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
	_, err = s.Put("api", "network.bind_port", model.IntValue(1))
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
	assert.Equal(t, model.KindNotFound, model.KindOf(s.SetEnabled("api", true)))
}

func TestRegister_KeepsConfigWhenNil(t *testing.T) {
	s := newStore(t)
	_, err := s.Put("web", "network.bind_port", model.IntValue(9000))
	require.NoError(t, err)

	desc := model.ServiceDescriptor{Name: "web", Priority: model.PriorityHigh}.WithDefaults()
	require.NoError(t, s.Register(desc, nil, false))

	e, ok := s.Entry("web")
	require.True(t, ok)
	assert.Equal(t, 9000, e.Config.Network.BindPort)
	assert.Equal(t, model.PriorityHigh, e.Descriptor.Priority)
	assert.False(t, e.Enabled)

	bad := &model.ServiceConfig{Network: model.NetworkConfig{BindPort: -1}}
	assert.Error(t, s.Register(desc, bad, true))
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := newStore(t)
	_, err := s.Put("web", "settings.db.host", model.StringValue("db1"))
	require.NoError(t, err)
	_, err = s.Put("web", "monitoring.health_interval", model.StringValue("5s"))
	require.NoError(t, err)
	require.NoError(t, s.RecordState("web", model.ServiceRunning, 3))
	require.NoError(t, s.Save())

	loaded, err := Open(s.Path(), filepath.Dir(s.Path()), clock.NewMock(), logging.Discard())
	require.NoError(t, err)
	e, ok := loaded.Entry("web")
	require.True(t, ok)
	assert.True(t, e.Enabled)
	assert.Equal(t, model.ServiceRunning, e.State)
	assert.Equal(t, uint64(3), e.Generation)
	assert.Equal(t, 5*time.Second, e.Config.Monitoring.HealthInterval)
	v, err := loaded.Get("web", "settings.db.host")
	require.NoError(t, err)
	assert.Equal(t, model.StringValue("db1"), v)
	assert.Equal(t, []string{"web"}, loaded.Names())
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "none.yaml"), dir, nil, logging.Discard())
	require.NoError(t, err)
	assert.Empty(t, s.Names())
}

func TestLoad_CorruptFileRestoresBackup(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Save())
	_, err := s.Put("web", "network.bind_port", model.IntValue(9999))
	require.NoError(t, err)
	require.NoError(t, s.Save())

	require.NoError(t, os.WriteFile(s.Path(), []byte("services: [\n"), 0o644))

	qdir := filepath.Join(filepath.Dir(s.Path()), "quarantine")
	loaded, err := Open(s.Path(), qdir, nil, logging.Discard())
	require.NoError(t, err)
	e, ok := loaded.Entry("web")
	require.True(t, ok)
	assert.Equal(t, 8080, e.Config.Network.BindPort)

	entries, err := os.ReadDir(qdir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoad_WrongFileTypeFallsBackToSkeleton(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config_store.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schema_version: 1\nfile_type: service_unit\n"), 0o644))

	s, err := Open(path, filepath.Join(dir, "quarantine"), nil, logging.Discard())
	require.NoError(t, err)
	assert.Empty(t, s.Names())
	assert.FileExists(t, path)
}
