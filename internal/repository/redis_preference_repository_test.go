package repository

import (
	"context"
	"errors"
	"testing"

	"chatdesk-go/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newRedisRepo(t *testing.T) (PreferenceRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisPreferenceRepository(client), mr
}

func TestRedisPreferenceRepository_MissingKeyIsNotFound(t *testing.T) {
	repo, _ := newRedisRepo(t)

	_, err := repo.Load(context.Background(), "u1")
	require.ErrorIs(t, err, ErrPreferencesNotFound)
}

func TestRedisPreferenceRepository_SaveAndLoad(t *testing.T) {
	repo, mr := newRedisRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, "u1", model.UserSettings{Language: "fr"}))

	stored, err := mr.Get("user:u1:user_settings")
	require.NoError(t, err)
	require.JSONEq(t, `{"language":"fr"}`, stored)
	// 偏好记录不过期
	require.Zero(t, mr.TTL("user:u1:user_settings"))

	data, err := repo.Load(ctx, "u1")
	require.NoError(t, err)
	require.JSONEq(t, `{"language":"fr"}`, string(data))
}

func TestRedisPreferenceRepository_ReturnsRawValue(t *testing.T) {
	repo, mr := newRedisRepo(t)
	require.NoError(t, mr.Set("user:u1:user_settings", "not json"))

	// 解析由调用方负责
	data, err := repo.Load(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "not json", string(data))
}

func TestRedisPreferenceRepository_ServerFailure(t *testing.T) {
	repo, mr := newRedisRepo(t)
	mr.Close()
	ctx := context.Background()

	_, err := repo.Load(ctx, "u1")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrPreferencesNotFound))

	require.Error(t, repo.Save(ctx, "u1", model.UserSettings{Language: "en"}))
}
