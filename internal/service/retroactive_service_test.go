package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/repository"
)

func TestRetroactivePreviewThenCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pid := f.env.SeedPatient(t, practitioner, map[string]any{"firstName": "Jeanne", "notes": "à jour"})
	cid := f.env.SeedConsultation(t, practitioner, pid, map[string]any{
		"date":           jan1,
		"isInitial":      true,
		"medicalHistory": "à effacer",
	})
	before := f.env.Raw(t, repository.CollectionConsultations, cid).Version

	preview, err := f.retroactive.Preview(ctx, practitioner)
	require.NoError(t, err)
	assert.Equal(t, 1, preview.PatientsScanned)
	require.Len(t, preview.Changes, 1)
	assert.Equal(t, cid, preview.Changes[0].ConsultationID)
	assert.Contains(t, preview.Changes[0].Fields, "medicalHistory")
	assert.NotEmpty(t, preview.Digest)
	assert.NotEmpty(t, preview.ApprovalToken)
	assert.Equal(t, before, f.env.Raw(t, repository.CollectionConsultations, cid).Version)

	report, err := f.retroactive.Commit(ctx, practitioner, preview.ApprovalToken)
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, ModeForce, report.Mode)
	assert.Equal(t, 1, report.ConsultationsUpdated)
	assert.Equal(t, "", f.consultationField(t, cid, "medicalHistory"))
	assert.Equal(t, "à jour", f.consultationField(t, cid, "notes"))
}

func TestRetroactiveCommitRejectsChangedPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pid := f.env.SeedPatient(t, practitioner, map[string]any{"notes": "v1"})
	cid := f.env.SeedConsultation(t, practitioner, pid, map[string]any{"date": jan1, "isInitial": true})

	preview, err := f.retroactive.Preview(ctx, practitioner)
	require.NoError(t, err)

	f.env.Overwrite(t, repository.CollectionPatients, pid, practitioner, map[string]any{"notes": "v2"})

	_, err = f.retroactive.Commit(ctx, practitioner, preview.ApprovalToken)
	assert.True(t, errors.Is(err, ErrPlanChanged))
	assert.Equal(t, "", f.consultationField(t, cid, "notes"))
}

func TestRetroactiveCommitRejectsBadTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.retroactive.Commit(ctx, practitioner, "not-a-token")
	assert.True(t, errors.Is(err, ErrApprovalInvalid))

	other, err := f.retroactive.Preview(ctx, "osteo-2")
	require.NoError(t, err)
	_, err = f.retroactive.Commit(ctx, practitioner, other.ApprovalToken)
	assert.True(t, errors.Is(err, ErrForbidden))
}
