// Package testutil builds in-memory fixtures shared by the package tests.
package testutil

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/compliance"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/docstore"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/fieldcipher"
)

type Env struct {
	Store  *docstore.MemoryStore
	Cipher *fieldcipher.Cipher
	Codec  *compliance.Codec
}

func NewEnv(tb testing.TB) *Env {
	tb.Helper()
	key := make([]byte, fieldcipher.KeySize)
	if _, err := rand.Read(key); err != nil {
		tb.Fatalf("generating key: %v", err)
	}
	c, err := fieldcipher.New(key)
	if err != nil {
		tb.Fatalf("creating cipher: %v", err)
	}
	return &Env{
		Store:  docstore.NewMemoryStore(),
		Cipher: c,
		Codec:  compliance.NewCodec(c, "test"),
	}
}

func Logger(tb testing.TB) *zap.Logger {
	tb.Helper()
	return zaptest.NewLogger(tb)
}

// SeedPatient stores an encrypted patient and returns its id. createdAt
// defaults to 2023-01-01 when not given.
func (e *Env) SeedPatient(tb testing.TB, practitionerID string, fields map[string]any) string {
	tb.Helper()
	doc := map[string]any{
		"practitionerId": practitionerID,
		"createdAt":      time.Date(2023, 1, 1, 9, 0, 0, 0, time.UTC),
	}
	for k, v := range fields {
		doc[k] = v
	}
	return e.seed(tb, "patients", compliance.RecordPatient, practitionerID, doc)
}

// SeedConsultation stores an encrypted consultation and returns its id.
func (e *Env) SeedConsultation(tb testing.TB, practitionerID, patientID string, fields map[string]any) string {
	tb.Helper()
	doc := map[string]any{
		"practitionerId": practitionerID,
		"patientId":      patientID,
	}
	for k, v := range fields {
		doc[k] = v
	}
	return e.seed(tb, "consultations", compliance.RecordConsultation, practitionerID, doc)
}

func (e *Env) SeedUser(tb testing.TB, role string) string {
	tb.Helper()
	id := uuid.NewString()
	err := e.Store.CreateWithID(context.Background(), "users", id, map[string]any{
		"email": id + "@cabinet.test",
		"role":  role,
	})
	if err != nil {
		tb.Fatalf("seed user: %v", err)
	}
	return id
}

func (e *Env) seed(tb testing.TB, collection string, rt compliance.RecordType, ownerID string, doc map[string]any) string {
	tb.Helper()
	stored := e.Codec.ToStorable(doc, rt, ownerID)
	if !stored.OK() {
		tb.Fatalf("encrypting %s fixture: %v", collection, stored.Failures)
	}
	id := uuid.NewString()
	if err := e.Store.CreateWithID(context.Background(), collection, id, stored.Fields); err != nil {
		tb.Fatalf("seed %s: %v", collection, err)
	}
	return id
}

// Raw returns the stored document.
func (e *Env) Raw(tb testing.TB, collection, id string) *docstore.Document {
	tb.Helper()
	doc, err := e.Store.GetByID(context.Background(), collection, id)
	if err != nil {
		tb.Fatalf("loading %s/%s: %v", collection, id, err)
	}
	return doc
}

// Plain returns the decrypted form of a stored document.
func (e *Env) Plain(tb testing.TB, collection, id, ownerID string) map[string]any {
	tb.Helper()
	rt := compliance.RecordPatient
	if collection == "consultations" {
		rt = compliance.RecordConsultation
	}
	shown := e.Codec.ToDisplayable(e.Raw(tb, collection, id).Data, rt, ownerID)
	if !shown.OK() {
		tb.Fatalf("decrypting %s/%s: %v", collection, id, shown.Failures)
	}
	return shown.Fields
}

// Overwrite writes fields to a stored document as an external client would,
// encrypting sensitive ones.
func (e *Env) Overwrite(tb testing.TB, collection, id, ownerID string, fields map[string]any) {
	tb.Helper()
	rt := compliance.RecordPatient
	if collection == "consultations" {
		rt = compliance.RecordConsultation
	}
	enc := e.Codec.EncryptFields(fields, rt, ownerID)
	if err := e.Store.UpdateFields(context.Background(), collection, id, enc.Fields, docstore.AnyVersion); err != nil {
		tb.Fatalf("overwriting %s/%s: %v", collection, id, err)
	}
}
