package patient

import (
	"strings"
	"time"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/compliance"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain/clinical"
)

// Address is stored as an object; older documents carry a single line.
type Address struct {
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"zipCode,omitempty"`
	Country    string `json:"country,omitempty"`

	Legacy string `json:"-"`
}

// Line renders the address on one line: street, postal code and city, country.
func (a *Address) Line() string {
	if a == nil {
		return ""
	}
	if a.Legacy != "" {
		return strings.TrimSpace(a.Legacy)
	}
	locality := strings.TrimSpace(a.PostalCode + " " + a.City)
	parts := make([]string, 0, 3)
	for _, p := range []string{a.Street, locality, a.Country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

type Insurance struct {
	Provider string `json:"provider,omitempty"`
	Number   string `json:"number,omitempty"`
}

type Record struct {
	ID             string
	PractitionerID string

	FirstName       domain.Value
	LastName        domain.Value
	DateOfBirth     domain.Value
	Gender          domain.Value
	Email           domain.Value
	Phone           domain.Value
	Profession      domain.Value
	Address         *Address
	Insurance       *Insurance
	InsuranceNumber domain.Value

	Clinical clinical.Fields

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *Record) FullName() string {
	return strings.TrimSpace(r.FirstName.String() + " " + r.LastName.String())
}

// FromDocument decodes a decrypted patient document. Symptoms written under
// the older "tags" key are read as symptoms.
func FromDocument(id string, m map[string]any) Record {
	return Record{
		ID:              id,
		PractitionerID:  domain.Lookup(m, "practitionerId").String(),
		FirstName:       domain.Lookup(m, "firstName"),
		LastName:        domain.Lookup(m, "lastName"),
		DateOfBirth:     domain.Lookup(m, "dateOfBirth"),
		Gender:          domain.Lookup(m, "gender"),
		Email:           domain.Lookup(m, "email"),
		Phone:           domain.Lookup(m, "phone"),
		Profession:      domain.Lookup(m, "profession"),
		Address:         addressOf(m["address"]),
		Insurance:       insuranceOf(m["insurance"]),
		InsuranceNumber: domain.Lookup(m, "insuranceNumber"),
		Clinical:        clinical.FromDocument(m, map[clinical.Field]string{clinical.Symptoms: "tags"}),
		CreatedAt:       timeOf(m["createdAt"]),
		UpdatedAt:       timeOf(m["updatedAt"]),
	}
}

func addressOf(raw any) *Address {
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return &Address{Legacy: v}
	case map[string]any:
		return &Address{
			Street:     domain.Lookup(v, "street").String(),
			City:       domain.Lookup(v, "city").String(),
			PostalCode: domain.Lookup(v, "zipCode").String(),
			Country:    domain.Lookup(v, "country").String(),
		}
	}
	return nil
}

func insuranceOf(raw any) *Insurance {
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return &Insurance{Provider: v}
	case map[string]any:
		return &Insurance{
			Provider: domain.Lookup(v, "provider").String(),
			Number:   domain.Lookup(v, "number").String(),
		}
	}
	return nil
}

func timeOf(raw any) time.Time {
	if t, ok := raw.(time.Time); ok {
		return t
	}
	if s, ok := raw.(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Loaded is a patient read from the store together with what is needed to
// write it back.
type Loaded struct {
	Record  Record
	Version int64
	// Stored is the document as persisted, sensitive fields encrypted.
	Stored map[string]any
	// Failures lists fields that could not be decrypted.
	Failures []compliance.FieldError
}

// Summary carries the unencrypted bookkeeping fields of a patient.
type Summary struct {
	ID             string
	PractitionerID string
	CreatedAt      time.Time
}
