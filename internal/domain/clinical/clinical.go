// Package clinical holds the clinical field set shared by patients and
// consultations.
package clinical

import "github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain"

type Field string

const (
	ConsultationReason   Field = "consultationReason"
	CurrentTreatment     Field = "currentTreatment"
	MedicalAntecedents   Field = "medicalAntecedents"
	MedicalHistory       Field = "medicalHistory"
	OsteopathicTreatment Field = "osteopathicTreatment"
	Symptoms             Field = "symptoms"
	Notes                Field = "notes"
)

// Tracked is the field set kept in sync between a patient and its
// canonical consultation, in reporting order.
var Tracked = []Field{
	ConsultationReason,
	CurrentTreatment,
	MedicalAntecedents,
	MedicalHistory,
	OsteopathicTreatment,
	Symptoms,
	Notes,
}

// IsList reports whether the field holds a list of strings.
func (f Field) IsList() bool {
	return f == Symptoms
}

type Fields struct {
	ConsultationReason   domain.Value
	CurrentTreatment     domain.Value
	MedicalAntecedents   domain.Value
	MedicalHistory       domain.Value
	OsteopathicTreatment domain.Value
	Symptoms             domain.Value
	Notes                domain.Value
}

func (f *Fields) Get(name Field) domain.Value {
	switch name {
	case ConsultationReason:
		return f.ConsultationReason
	case CurrentTreatment:
		return f.CurrentTreatment
	case MedicalAntecedents:
		return f.MedicalAntecedents
	case MedicalHistory:
		return f.MedicalHistory
	case OsteopathicTreatment:
		return f.OsteopathicTreatment
	case Symptoms:
		return f.Symptoms
	case Notes:
		return f.Notes
	}
	return domain.Absent()
}

func (f *Fields) Set(name Field, v domain.Value) {
	switch name {
	case ConsultationReason:
		f.ConsultationReason = v
	case CurrentTreatment:
		f.CurrentTreatment = v
	case MedicalAntecedents:
		f.MedicalAntecedents = v
	case MedicalHistory:
		f.MedicalHistory = v
	case OsteopathicTreatment:
		f.OsteopathicTreatment = v
	case Symptoms:
		f.Symptoms = v
	case Notes:
		f.Notes = v
	}
}

// FromDocument reads the tracked fields of a decoded document. legacyKeys
// maps a field to an older key consulted when the field itself is missing.
func FromDocument(m map[string]any, legacyKeys map[Field]string) Fields {
	var f Fields
	for _, name := range Tracked {
		v := domain.Lookup(m, string(name))
		if !v.Present() {
			if alt, ok := legacyKeys[name]; ok {
				v = domain.Lookup(m, alt)
			}
		}
		f.Set(name, v)
	}
	return f
}

// Map returns the present fields keyed by document field name.
func (f Fields) Map() map[string]domain.Value {
	out := make(map[string]domain.Value, len(Tracked))
	for _, name := range Tracked {
		if v := f.Get(name); v.Present() {
			out[string(name)] = v
		}
	}
	return out
}
