package consultation

import (
	"time"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/compliance"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/clinical"
)

// SnapshotField names a denormalised copy of a patient identity field.
type SnapshotField string

const (
	SnapshotFirstName       SnapshotField = "patientFirstName"
	SnapshotLastName        SnapshotField = "patientLastName"
	SnapshotDateOfBirth     SnapshotField = "patientDateOfBirth"
	SnapshotGender          SnapshotField = "patientGender"
	SnapshotEmail           SnapshotField = "patientEmail"
	SnapshotPhone           SnapshotField = "patientPhone"
	SnapshotProfession      SnapshotField = "patientProfession"
	SnapshotAddress         SnapshotField = "patientAddress"
	SnapshotInsurance       SnapshotField = "patientInsurance"
	SnapshotInsuranceNumber SnapshotField = "patientInsuranceNumber"
)

var SnapshotFields = []SnapshotField{
	SnapshotFirstName,
	SnapshotLastName,
	SnapshotDateOfBirth,
	SnapshotGender,
	SnapshotEmail,
	SnapshotPhone,
	SnapshotProfession,
	SnapshotAddress,
	SnapshotInsurance,
	SnapshotInsuranceNumber,
}

type Record struct {
	ID             string
	PatientID      string
	PractitionerID string
	Date           time.Time
	// IsInitial is nil for consultations written before the flag existed.
	IsInitial *bool

	Snapshot map[SnapshotField]domain.Value
	Clinical clinical.Fields

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *Record) Initial() bool {
	return r.IsInitial != nil && *r.IsInitial
}

func (r *Record) SnapshotValue(f SnapshotField) domain.Value {
	return r.Snapshot[f]
}

func FromDocument(id string, m map[string]any) Record {
	r := Record{
		ID:             id,
		PatientID:      domain.Lookup(m, "patientId").String(),
		PractitionerID: domain.Lookup(m, "practitionerId").String(),
		Date:           timeOf(m["date"]),
		IsInitial:      flagOf(m),
		Snapshot:       make(map[SnapshotField]domain.Value, len(SnapshotFields)),
		Clinical:       clinical.FromDocument(m, nil),
		CreatedAt:      timeOf(m["createdAt"]),
		UpdatedAt:      timeOf(m["updatedAt"]),
	}
	for _, f := range SnapshotFields {
		r.Snapshot[f] = domain.Lookup(m, string(f))
	}
	return r
}

func flagOf(m map[string]any) *bool {
	b, ok := m["isInitial"].(bool)
	if !ok {
		return nil
	}
	return &b
}

func timeOf(raw any) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
		if t, err := time.Parse("2006-01-02", v); err == nil {
			return t
		}
	}
	return time.Time{}
}

type Loaded struct {
	Record   Record
	Version  int64
	Stored   map[string]any
	Failures []compliance.FieldError
}

// Summary carries the unencrypted fields used to choose and flag the
// initial consultation.
type Summary struct {
	ID        string
	PatientID string
	Date      time.Time
	CreatedAt time.Time
	IsInitial *bool
	Version   int64
}

// Backup preserves the stored values of consultation fields that a
// reconciliation overwrote.
type Backup struct {
	ConsultationID string
	// ConsultationVersion is the document version the values were read from.
	ConsultationVersion int64
	PatientID           string
	PractitionerID      string
	Mode                string
	Fields              []string
	// Previous holds the stored (encrypted) values being replaced.
	Previous  map[string]any
	CreatedAt time.Time
}
