package compliance

import "sort"

type RecordType string

const (
	RecordPatient      RecordType = "patient"
	RecordConsultation RecordType = "consultation"
)

func (rt RecordType) IsValid() bool {
	switch rt {
	case RecordPatient, RecordConsultation:
		return true
	}
	return false
}

type FieldKind int

const (
	// Scalar values are coerced to a string before encryption.
	Scalar FieldKind = iota
	// Composite values (objects, lists) are encrypted as JSON.
	Composite
)

var sensitiveFields = map[RecordType]map[string]FieldKind{
	RecordPatient: {
		"firstName":            Scalar,
		"lastName":             Scalar,
		"dateOfBirth":          Scalar,
		"socialSecurityNumber": Scalar,
		"email":                Scalar,
		"phone":                Scalar,
		"address":              Composite,
		"insurance":            Composite,
		"insuranceNumber":      Scalar,
		"allergies":            Composite,
		"consultationReason":   Scalar,
		"currentTreatment":     Scalar,
		"medicalAntecedents":   Scalar,
		"medicalHistory":       Scalar,
		"osteopathicTreatment": Scalar,
		"symptoms":             Composite,
		"notes":                Scalar,
	},
	RecordConsultation: {
		"reason":                 Scalar,
		"consultationReason":     Scalar,
		"currentTreatment":       Scalar,
		"ongoingTherapies":       Scalar,
		"medicalAntecedents":     Scalar,
		"medicalHistory":         Scalar,
		"significantHistory":     Scalar,
		"osteopathicTreatment":   Scalar,
		"treatment":              Scalar,
		"symptoms":               Composite,
		"notes":                  Scalar,
		"patientNote":            Scalar,
		"patientFirstName":       Scalar,
		"patientLastName":        Scalar,
		"patientDateOfBirth":     Scalar,
		"patientEmail":           Scalar,
		"patientPhone":           Scalar,
		"patientAddress":         Scalar,
		"patientInsurance":       Scalar,
		"patientInsuranceNumber": Scalar,
	},
}

// Consultation clinical fields that always exist on a stored consultation,
// so that clearing one is a persisted state rather than a missing key.
var consultationDefaults = map[string]func() any{
	"consultationReason":   func() any { return "" },
	"currentTreatment":     func() any { return "" },
	"medicalAntecedents":   func() any { return "" },
	"medicalHistory":       func() any { return "" },
	"osteopathicTreatment": func() any { return "" },
	"notes":                func() any { return "" },
	"symptoms":             func() any { return []any{} },
}

// SensitiveFields lists the encrypted fields of a record type in a stable order.
func SensitiveFields(rt RecordType) []string {
	fields := make([]string, 0, len(sensitiveFields[rt]))
	for f := range sensitiveFields[rt] {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func IsSensitive(rt RecordType, field string) bool {
	_, ok := sensitiveFields[rt][field]
	return ok
}
