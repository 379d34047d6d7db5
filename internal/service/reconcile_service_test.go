package service

import (
	"context"
	"errors"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/repository"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/docstore"
)

func seedFullPatient(t *testing.T, f *fixture) string {
	t.Helper()
	return f.env.SeedPatient(t, practitioner, map[string]any{
		"firstName":          "Jeanne",
		"lastName":           "Martin",
		"dateOfBirth":        "1980-05-04",
		"gender":             "F",
		"email":              "jeanne@example.test",
		"address":            map[string]any{"street": "3 place Bellecour", "zipCode": "69002", "city": "Lyon"},
		"insurance":          map[string]any{"provider": "MGEN", "number": "A-12"},
		"consultationReason": "Lombalgie",
		"medicalHistory":     "Asthme",
		"symptoms":           []string{"douleur", "raideur"},
		"notes":              "Patient update",
	})
}

func TestSyncPatientToCanonicalIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pid := seedFullPatient(t, f)
	cid := f.env.SeedConsultation(t, practitioner, pid, map[string]any{"date": jan1})

	first, err := f.reconcile.SyncPatientByID(ctx, pid, practitioner, DirectiveCopyNonEmpty)
	require.NoError(t, err)
	assert.Equal(t, cid, first.ConsultationID)
	assert.Empty(t, first.Errors)
	assert.Subset(t, first.FieldsUpdated, []string{
		"patientFirstName", "patientLastName", "patientAddress", "patientInsurance",
		"consultationReason", "medicalHistory", "symptoms", "notes", "isInitial",
	})

	second, err := f.reconcile.SyncPatientByID(ctx, pid, practitioner, DirectiveCopyNonEmpty)
	require.NoError(t, err)
	assert.Empty(t, second.FieldsUpdated)

	plain := f.env.Plain(t, repository.CollectionConsultations, cid, practitioner)
	assert.Equal(t, "Jeanne", plain["patientFirstName"])
	assert.Equal(t, "3 place Bellecour, 69002 Lyon", plain["patientAddress"])
	assert.Equal(t, "MGEN", plain["patientInsurance"])
	assert.Equal(t, "Patient update", plain["notes"])
	assert.Equal(t, []any{"douleur", "raideur"}, plain["symptoms"])
	assert.Equal(t, true, plain["isInitial"])
}

func TestSyncPatientToCanonicalNeverBlanksPopulatedFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pid := f.env.SeedPatient(t, practitioner, map[string]any{
		"firstName":        "Paul",
		"currentTreatment": "",
		"notes":            "Nouvelle note",
	})
	cid := f.env.SeedConsultation(t, practitioner, pid, map[string]any{
		"date":             jan1,
		"isInitial":        true,
		"currentTreatment": "Manual therapy",
	})

	res, err := f.reconcile.SyncPatientByID(ctx, pid, practitioner, DirectiveCopyNonEmpty)
	require.NoError(t, err)
	assert.NotContains(t, res.FieldsUpdated, "currentTreatment")
	assert.NotContains(t, res.FieldsUpdated, "isInitial")
	assert.Contains(t, res.FieldsUpdated, "notes")
	assert.Equal(t, "Manual therapy", f.consultationField(t, cid, "currentTreatment"))
}

func TestSyncPatientToCanonicalForceMirrorsBlanks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pid := f.env.SeedPatient(t, practitioner, map[string]any{"notes": "seule note"})
	cid := f.env.SeedConsultation(t, practitioner, pid, map[string]any{
		"date":           jan1,
		"isInitial":      true,
		"medicalHistory": "Asthme",
		"symptoms":       []string{"douleur"},
	})

	res, err := f.reconcile.SyncPatientByID(ctx, pid, practitioner, DirectiveForce)
	require.NoError(t, err)
	assert.Contains(t, res.FieldsUpdated, "medicalHistory")
	assert.Contains(t, res.FieldsUpdated, "symptoms")

	plain := f.env.Plain(t, repository.CollectionConsultations, cid, practitioner)
	assert.Equal(t, "", plain["medicalHistory"])
	assert.Empty(t, plain["symptoms"])
	assert.Equal(t, "seule note", plain["notes"])

	backups, err := f.env.Store.Query(ctx, docstore.Query{Collection: repository.CollectionBackups})
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, cid, backups[0].Data["consultationId"])
	assert.Equal(t, string(DirectiveForce), backups[0].Data["mode"])

	logs := f.auditLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, string(domain.ActionRetroactiveSync), logs[0].Data["action"])
	assert.Equal(t, "system", logs[0].Data["userId"])
}

func TestSyncPatientToCanonicalWithoutConsultation(t *testing.T) {
	f := newFixture(t)

	pid := f.env.SeedPatient(t, practitioner, map[string]any{"notes": "x"})
	res, err := f.reconcile.SyncPatientByID(context.Background(), pid, practitioner, DirectiveCopyNonEmpty)
	require.NoError(t, err)
	assert.Empty(t, res.ConsultationID)
	assert.Empty(t, res.FieldsUpdated)
}

func TestSyncPatientToCanonicalRetriesOnVersionConflict(t *testing.T) {
	store := &conflictingStore{remaining: 1}
	f := newFixtureWithStore(t, func(s docstore.Store) docstore.Store {
		store.Store = s
		return store
	})
	ctx := context.Background()

	pid := f.env.SeedPatient(t, practitioner, map[string]any{"medicalHistory": "Asthme"})
	cid := f.env.SeedConsultation(t, practitioner, pid, map[string]any{"date": jan1, "isInitial": true})

	res, err := f.reconcile.SyncPatientByID(ctx, pid, practitioner, DirectiveCopyNonEmpty)
	require.NoError(t, err)
	assert.Equal(t, []string{"medicalHistory"}, res.FieldsUpdated)
	assert.Equal(t, 1, store.conflicts)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.VersionConflictsTotal))
	assert.Equal(t, "Asthme", f.consultationField(t, cid, "medicalHistory"))

	// Only the attempt that won writes a backup, tagged with the version it
	// overwrote.
	doc, err := f.env.Store.GetByID(ctx, repository.CollectionConsultations, cid)
	require.NoError(t, err)
	backups, err := f.env.Store.Query(ctx, docstore.Query{Collection: repository.CollectionBackups})
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.EqualValues(t, doc.Version-1, backups[0].Data["consultationVersion"])
}

func TestSyncPatientToCanonicalGivesUpAfterMaxTries(t *testing.T) {
	store := &conflictingStore{remaining: 10}
	f := newFixtureWithStore(t, func(s docstore.Store) docstore.Store {
		store.Store = s
		return store
	})

	pid := f.env.SeedPatient(t, practitioner, map[string]any{"medicalHistory": "Asthme"})
	f.env.SeedConsultation(t, practitioner, pid, map[string]any{"date": jan1, "isInitial": true})

	_, err := f.reconcile.SyncPatientByID(context.Background(), pid, practitioner, DirectiveCopyNonEmpty)
	require.Error(t, err)
	assert.True(t, errors.Is(err, docstore.ErrVersionConflict))
	assert.Equal(t, 3, store.conflicts)
}

func TestSyncPatientRejectsForeignAndUndecryptableSources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pid := f.env.SeedPatient(t, practitioner, map[string]any{"notes": "x"})
	f.env.SeedConsultation(t, practitioner, pid, map[string]any{"date": jan1})

	_, err := f.reconcile.SyncPatientByID(ctx, pid, "osteo-2", DirectiveCopyNonEmpty)
	assert.True(t, errors.Is(err, ErrOwnershipViolation))

	foreign, err := f.env.Cipher.Encrypt("autre cabinet", "osteo-2")
	require.NoError(t, err)
	require.NoError(t, f.env.Store.UpdateFields(ctx, repository.CollectionPatients, pid,
		map[string]any{"notes": foreign}, docstore.AnyVersion))

	_, err = f.reconcile.SyncPatientByID(ctx, pid, practitioner, DirectiveCopyNonEmpty)
	assert.True(t, errors.Is(err, ErrUndecryptableSource))

	clean := f.env.SeedPatient(t, practitioner, map[string]any{"notes": "y"})
	_, err = f.reconcile.SyncPatientByID(ctx, clean, practitioner, Directive("merge"))
	var vErr *ValidationError
	assert.True(t, errors.As(err, &vErr))
}

func TestSyncCanonicalToPatientCopiesPresentFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pid := f.env.SeedPatient(t, practitioner, map[string]any{
		"medicalHistory": "ancien",
		"notes":          "à effacer",
	})
	cid := f.env.SeedConsultation(t, practitioner, pid, map[string]any{
		"date":           jan1,
		"isInitial":      true,
		"medicalHistory": "Asthme",
		"symptoms":       []string{"douleur"},
	})

	res, err := f.reconcile.SyncCanonicalToPatientByID(ctx, cid, practitioner)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, pid, res.PatientID)
	assert.Contains(t, res.FieldsUpdated, "medicalHistory")
	assert.Contains(t, res.FieldsUpdated, "notes")
	assert.Contains(t, res.FieldsUpdated, "symptoms")

	assert.Equal(t, "Asthme", f.patientField(t, pid, "medicalHistory"))
	assert.Equal(t, "", f.patientField(t, pid, "notes"))
	assert.Equal(t, []any{"douleur"}, f.patientField(t, pid, "symptoms"))

	again, err := f.reconcile.SyncCanonicalToPatientByID(ctx, cid, practitioner)
	require.NoError(t, err)
	assert.Empty(t, again.FieldsUpdated)

	logs := f.auditLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, string(domain.ActionSyncFromConsultation), logs[0].Data["action"])
	assert.Equal(t, pid, logs[0].Data["resourceId"])
}

func TestSyncCanonicalToPatientSkipsNonInitial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pid := f.env.SeedPatient(t, practitioner, map[string]any{"medicalHistory": "ancien"})
	cid := f.env.SeedConsultation(t, practitioner, pid, map[string]any{
		"date":           feb1,
		"isInitial":      false,
		"medicalHistory": "Asthme",
	})

	res, err := f.reconcile.SyncCanonicalToPatientByID(ctx, cid, practitioner)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, res.FieldsUpdated)
	assert.Equal(t, "ancien", f.patientField(t, pid, "medicalHistory"))

	_, err = f.reconcile.SyncCanonicalToPatientByID(ctx, cid, "osteo-2")
	assert.True(t, errors.Is(err, ErrOwnershipViolation))
}

func TestSyncCanonicalToPatientRefusesAnotherPatient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	owner := f.env.SeedPatient(t, practitioner, map[string]any{"medicalHistory": "Asthme"})
	other := f.env.SeedPatient(t, practitioner, map[string]any{"medicalHistory": "Diabète"})
	cid := f.env.SeedConsultation(t, practitioner, owner, map[string]any{
		"date":           jan1,
		"isInitial":      true,
		"medicalHistory": "Asthme",
	})

	c, err := f.consultations.Get(ctx, cid, practitioner)
	require.NoError(t, err)

	_, err = f.reconcile.SyncCanonicalToPatient(ctx, cid, c.Record, other, practitioner)
	assert.True(t, errors.Is(err, ErrOwnershipViolation))
	assert.Equal(t, "Diabète", f.patientField(t, other, "medicalHistory"))
	assert.Empty(t, f.auditLogs(t))
}

func TestSyncPatientCopiesCiphertextShapedText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lookalike := "0123456789abcdef01234567:QUJDRA=="

	pid := f.env.SeedPatient(t, practitioner, map[string]any{"notes": lookalike})
	cid := f.env.SeedConsultation(t, practitioner, pid, map[string]any{"date": jan1, "isInitial": true})

	assert.NotEqual(t, lookalike, f.env.Raw(t, repository.CollectionPatients, pid).Data["notes"])

	res, err := f.reconcile.SyncPatientByID(ctx, pid, practitioner, DirectiveCopyNonEmpty)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes"}, res.FieldsUpdated)
	assert.Equal(t, lookalike, f.consultationField(t, cid, "notes"))
}
