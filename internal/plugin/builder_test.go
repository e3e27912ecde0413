package plugin

import (
	"context"
	"sync"
	"testing"

	"github.com/gaja-assistant/gaja-server/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type userTable struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func (u *userTable) GetUser(_ context.Context, id string) (*domain.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	user, ok := u.users[id]
	if !ok {
		return nil, nil
	}
	cp := *user
	return &cp, nil
}

func (u *userTable) set(id string, plugins ...string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.users[id] = &domain.User{UserID: id, EnabledPlugins: plugins}
}

func newTestBuilder(t *testing.T) (*Builder, *Registry, *userTable) {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(NewCorePlugin()))
	require.NoError(t, reg.Register(weatherPlugin()))
	users := &userTable{users: map[string]*domain.User{}}
	b, err := NewBuilder(reg, users, BuilderConfig{DefaultEnabled: []string{"core"}}, nil)
	require.NoError(t, err)
	return b, reg, users
}

func TestBuildUsesEnabledPluginsOnly(t *testing.T) {
	t.Parallel()
	b, _, users := newTestBuilder(t)
	users.set("u1", "weather")

	c, err := b.Build(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, c.Has("weather_get_forecast"))
	assert.False(t, c.Has("core_echo"))
}

func TestBuildFallsBackToDefaults(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBuilder(t)

	c, err := b.Build(context.Background(), "stranger")
	require.NoError(t, err)
	assert.True(t, c.Has("core_echo"))
	assert.False(t, c.Has("weather_get_forecast"))
}

func TestBuildCachesSnapshotUntilToggle(t *testing.T) {
	t.Parallel()
	b, _, users := newTestBuilder(t)
	users.set("u1", "core")

	first, err := b.Build(context.Background(), "u1")
	require.NoError(t, err)
	again, err := b.Build(context.Background(), "u1")
	require.NoError(t, err)
	assert.Same(t, first, again)

	users.set("u1", "core", "weather")
	rebuilt, err := b.Build(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotSame(t, first, rebuilt)
	assert.True(t, rebuilt.Has("weather_get_forecast"))
	// The old snapshot is never mutated.
	assert.False(t, first.Has("weather_get_forecast"))
}

func TestBuildRebuildsOnRegistryChange(t *testing.T) {
	t.Parallel()
	b, reg, users := newTestBuilder(t)
	users.set("u1", "core", "music")

	before, err := b.Build(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, before.Has("music_play"))

	require.NoError(t, reg.Register(&fakePlugin{name: "music", funcs: []FunctionSchema{{Name: "play"}}}))
	after, err := b.Build(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, after.Has("music_play"))
}

func TestBuildConcurrentCallsShareSnapshot(t *testing.T) {
	t.Parallel()
	b, _, users := newTestBuilder(t)
	users.set("u1", "core")

	var wg sync.WaitGroup
	results := make([]*Catalog, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := b.Build(context.Background(), "u1")
			if err == nil {
				results[i] = c
			}
		}(i)
	}
	wg.Wait()
	for _, c := range results {
		require.NotNil(t, c)
		assert.Equal(t, results[0].Key(), c.Key())
	}
}

func TestRegistryRejectsBadNames(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	assert.Error(t, reg.Register(&fakePlugin{name: "smart_home"}))
	assert.Error(t, reg.Register(&fakePlugin{name: ""}))
	require.NoError(t, reg.Register(&fakePlugin{name: "lights"}))
	assert.Error(t, reg.Register(&fakePlugin{name: "lights"}))

	v := reg.Version()
	reg.Unregister("lights")
	assert.Greater(t, reg.Version(), v)
	assert.False(t, reg.Has("lights"))
}
