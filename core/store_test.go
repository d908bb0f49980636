package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-relay/core/security"
	"llm-relay/models"
)

func TestGormStoreSealsSecrets(t *testing.T) {
	db := newTestDB(t)
	sp, err := security.NewAESSecretProvider("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	store := NewGormStore(db, newTestLogger(), sp)
	ctx := context.Background()

	cred := models.NewCredential(models.KindClaudeWeb, "sk-ant-sid01-secret")
	cred.OrgID = "org-123"
	cred.Models = []string{"claude-sonnet-4-5"}
	require.NoError(t, store.Save(ctx, cred))

	var rec models.CredentialRecord
	require.NoError(t, db.First(&rec, "id = ?", cred.ID).Error)
	assert.True(t, security.IsSealed(rec.Secret))
	assert.NotContains(t, rec.Secret, "sk-ant-sid01-secret")

	loaded, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "sk-ant-sid01-secret", loaded[0].Secret)
	assert.Equal(t, "org-123", loaded[0].OrgID)
	assert.Equal(t, []string{"claude-sonnet-4-5"}, loaded[0].Models)
}

func TestGormStoreUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cred := models.NewCredential(models.KindGemini, "AIza-upsert")
	require.NoError(t, store.Save(ctx, cred))

	until := time.Now().Add(time.Hour).Truncate(time.Second)
	cred.Health = models.RateLimitedUntil(until)
	cred.Failures = 3
	cred.RateLimitStreak = 2
	cred.UpdatedAt = time.Now()
	require.NoError(t, store.Save(ctx, cred))

	loaded, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, models.StateRateLimited, loaded[0].Health.State())
	expiry, ok := loaded[0].Health.Expiry()
	require.True(t, ok)
	assert.True(t, until.Equal(expiry))
	assert.EqualValues(t, 3, loaded[0].Failures)
	assert.Equal(t, 2, loaded[0].RateLimitStreak)
}

func TestGormStoreSkipsUnreadableRecords(t *testing.T) {
	db := newTestDB(t)
	store := NewGormStore(db, newTestLogger(), security.NewNoOpSecretProvider())
	ctx := context.Background()

	good := models.NewCredential(models.KindGemini, "AIza-good")
	require.NoError(t, store.Save(ctx, good))
	require.NoError(t, db.Create(&models.CredentialRecord{ID: "broken", Kind: "carrier_pigeon", Secret: "x", State: "valid"}).Error)

	loaded, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, good.ID, loaded[0].ID)
}

func TestGormStoreDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cred := models.NewCredential(models.KindVertex, "vertex-key")
	require.NoError(t, store.Save(ctx, cred))
	require.NoError(t, store.Delete(ctx, cred.ID))
	assert.ErrorIs(t, store.Delete(ctx, cred.ID), ErrCredentialNotFound)
}
