package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/compliance"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/consultation"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/patient"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/testutil"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/docstore"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/fieldcipher"
)

func TestPatientRepositoryDecodesRecord(t *testing.T) {
	env := testutil.NewEnv(t)
	repo := NewPatientRepository(env.Store, env.Codec)
	ctx := context.Background()

	id := env.SeedPatient(t, "osteo-1", map[string]any{
		"firstName": "Jeanne",
		"lastName":  "Martin",
		"address":   map[string]any{"street": "3 place Bellecour", "zipCode": "69002", "city": "Lyon"},
		"tags":      []string{"lombalgie"},
		"notes":     "suivi",
	})

	loaded, err := repo.Get(ctx, id, "osteo-1")
	require.NoError(t, err)
	assert.Empty(t, loaded.Failures)
	assert.Equal(t, "Jeanne Martin", loaded.Record.FullName())
	assert.Equal(t, "3 place Bellecour, 69002 Lyon", loaded.Record.Address.Line())
	assert.Equal(t, []string{"lombalgie"}, loaded.Record.Clinical.Symptoms.Items())
	assert.Equal(t, "suivi", loaded.Record.Clinical.Notes.String())
	assert.Equal(t, time.Date(2023, 1, 1, 9, 0, 0, 0, time.UTC), loaded.Record.CreatedAt)

	_, err = repo.Get(ctx, "missing", "osteo-1")
	assert.True(t, errors.Is(err, patient.ErrPatientNotFound))

	wrongOwner, err := repo.Get(ctx, id, "osteo-2")
	require.NoError(t, err)
	assert.NotEmpty(t, wrongOwner.Failures)
}

func TestPatchWritesOnlyGivenFieldsAndRefreshesMetadata(t *testing.T) {
	env := testutil.NewEnv(t)
	repo := NewConsultationRepository(env.Store, env.Codec)
	ctx := context.Background()

	id := env.SeedConsultation(t, "osteo-1", "p1", map[string]any{
		"date":           time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		"medicalHistory": "asthme",
	})
	loaded, err := repo.Get(ctx, id, "osteo-1")
	require.NoError(t, err)

	failures, err := repo.Patch(ctx, loaded, map[string]any{"notes": "nouvelle note"}, "osteo-1")
	require.NoError(t, err)
	assert.Empty(t, failures)

	raw := env.Raw(t, CollectionConsultations, id)
	assert.Equal(t, loaded.Version+1, raw.Version)
	assert.True(t, fieldcipher.LooksEncrypted(raw.Data["notes"].(string)))
	assert.Equal(t, loaded.Stored["medicalHistory"], raw.Data["medicalHistory"])

	meta := raw.Data[compliance.MetadataKey].(map[string]any)
	assert.ElementsMatch(t, []any{"medicalHistory", "notes"}, meta["encryptedFields"])

	// The version of loaded is now stale.
	_, err = repo.Patch(ctx, loaded, map[string]any{"notes": "perdue"}, "osteo-1")
	assert.True(t, errors.Is(err, docstore.ErrVersionConflict))
}

func TestConsultationLocatorQueries(t *testing.T) {
	env := testutil.NewEnv(t)
	repo := NewConsultationRepository(env.Store, env.Codec)
	ctx := context.Background()

	id, err := repo.FindEarliest(ctx, "p1", "osteo-1")
	require.NoError(t, err)
	assert.Empty(t, id)

	later := env.SeedConsultation(t, "osteo-1", "p1", map[string]any{"date": time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)})
	earlier := env.SeedConsultation(t, "osteo-1", "p1", map[string]any{"date": time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)})
	env.SeedConsultation(t, "osteo-2", "p1", map[string]any{"date": time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)})

	id, err = repo.FindEarliest(ctx, "p1", "osteo-1")
	require.NoError(t, err)
	assert.Equal(t, earlier, id)

	id, err = repo.FindFlaggedInitial(ctx, "p1", "osteo-1")
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, repo.SetInitialFlag(ctx, later, true))
	id, err = repo.FindFlaggedInitial(ctx, "p1", "osteo-1")
	require.NoError(t, err)
	assert.Equal(t, later, id)

	summaries, err := repo.ListByPatient(ctx, "p1", "osteo-1")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, earlier, summaries[0].ID)
	assert.Nil(t, summaries[0].IsInitial)
	require.NotNil(t, summaries[1].IsInitial)
	assert.True(t, *summaries[1].IsInitial)

	assert.True(t, errors.Is(repo.SetInitialFlag(ctx, "missing", true), consultation.ErrConsultationNotFound))
}

func TestListPractitionersNormalisesRoles(t *testing.T) {
	env := testutil.NewEnv(t)
	repo := NewUserRepository(env.Store)

	a := env.SeedUser(t, "Ostéopathe")
	b := env.SeedUser(t, "osteo")
	c := env.SeedUser(t, "OSTEOPATH")
	env.SeedUser(t, "admin")
	env.SeedUser(t, "secretaire")

	users, err := repo.ListPractitioners(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(users))
	for _, u := range users {
		assert.Equal(t, domain.RolePractitioner, u.Role)
		ids = append(ids, u.ID)
	}
	assert.ElementsMatch(t, []string{a, b, c}, ids)
}

func TestAuditAndBackupRepositories(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()

	entry := &domain.AuditLog{
		OccurredAt:   time.Now(),
		UserID:       "osteo-1",
		Action:       domain.ActionSyncFromPatient,
		ResourceType: "consultation",
		ResourceID:   "c1",
		Changes:      map[string]any{"fields": []string{"notes"}},
	}
	require.NoError(t, NewAuditRepository(env.Store).Create(ctx, entry))
	require.NotEmpty(t, entry.ID)
	assert.Equal(t, "auto_sync_from_patient", env.Raw(t, CollectionAuditLogs, entry.ID).Data["action"])

	require.NoError(t, NewBackupRepository(env.Store).Save(ctx, &consultation.Backup{
		ConsultationID: "c1",
		Mode:           "copy_non_empty",
		Fields:         []string{"notes"},
		Previous:       map[string]any{"notes": "ciphertext"},
		CreatedAt:      time.Now(),
	}))
	backups, err := env.Store.Query(ctx, docstore.Query{Collection: CollectionBackups})
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, []any{"notes"}, backups[0].Data["fields"])
}
