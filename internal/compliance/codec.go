// Package compliance converts records between their plain form and the
// stored form where every sensitive field is ciphertext.
package compliance

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/docstore"
	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/fieldcipher"
)

// MetadataKey is the stored field holding the compliance metadata block.
const MetadataKey = "_compliance"

type Cipher interface {
	Encrypt(plaintext, ownerID string) (string, error)
	Decrypt(ciphertext, ownerID string) (string, error)
}

// FieldError describes a single field that could not be converted. The
// rest of the record is still converted.
type FieldError struct {
	Field  string
	Marker string
	Err    error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("field %s: %v", e.Field, e.Err)
}

func (e FieldError) Unwrap() error {
	return e.Err
}

// Result is the outcome of a codec conversion.
type Result struct {
	Fields   map[string]any
	Failures []FieldError
}

func (r Result) OK() bool {
	return len(r.Failures) == 0
}

// Failed reports whether field is among the failures.
func (r Result) Failed(field string) bool {
	for _, f := range r.Failures {
		if f.Field == field {
			return true
		}
	}
	return false
}

type Metadata struct {
	Version         string    `json:"version"`
	EncryptedFields []string  `json:"encryptedFields"`
	UpdatedBy       string    `json:"updatedBy"`
	LastUpdated     time.Time `json:"lastUpdated"`
}

func (m Metadata) asMap() map[string]any {
	fields := make([]any, len(m.EncryptedFields))
	for i, f := range m.EncryptedFields {
		fields[i] = f
	}
	return map[string]any{
		"version":         m.Version,
		"encryptedFields": fields,
		"updatedBy":       m.UpdatedBy,
		"lastUpdated":     m.LastUpdated,
	}
}

type Codec struct {
	cipher  Cipher
	version string
	now     func() time.Time
}

func NewCodec(cipher Cipher, version string) *Codec {
	return &Codec{cipher: cipher, version: version, now: time.Now}
}

// ToStorable encrypts every sensitive field of a full record and stamps
// the metadata block. Consultation clinical fields missing from rec are
// written as empty values.
func (c *Codec) ToStorable(rec map[string]any, rt RecordType, ownerID string) Result {
	out := make(map[string]any, len(rec)+len(consultationDefaults)+1)
	for k, v := range rec {
		if k == MetadataKey {
			continue
		}
		out[k] = v
	}

	if rt == RecordConsultation {
		for field, empty := range consultationDefaults {
			if v, ok := out[field]; !ok || v == nil {
				out[field] = empty()
			}
		}
	}

	res := c.encryptInto(out, rt, ownerID)
	out[MetadataKey] = c.Metadata(out, rt, ownerID).asMap()
	return Result{Fields: out, Failures: res}
}

// EncryptFields encrypts a partial update. Fields absent from the patch
// stay absent and no metadata is added.
func (c *Codec) EncryptFields(patch map[string]any, rt RecordType, ownerID string) Result {
	out := make(map[string]any, len(patch))
	for k, v := range patch {
		out[k] = v
	}
	return Result{Fields: out, Failures: c.encryptInto(out, rt, ownerID)}
}

func (c *Codec) encryptInto(fields map[string]any, rt RecordType, ownerID string) []FieldError {
	var failures []FieldError
	for _, field := range SensitiveFields(rt) {
		v, ok := fields[field]
		if !ok || v == nil {
			continue
		}
		if s, isString := v.(string); isString && c.ownCiphertext(s, ownerID) {
			continue
		}
		plain, skip, err := encodeValue(v, sensitiveFields[rt][field])
		if err == nil && !skip {
			var ct string
			if ct, err = c.cipher.Encrypt(plain, ownerID); err == nil {
				fields[field] = ct
				continue
			}
		}
		if err != nil {
			fields[field] = encryptionMarker(err)
			failures = append(failures, FieldError{Field: field, Marker: MarkerEncryptionError, Err: err})
		}
	}
	return failures
}

// ownCiphertext reports whether s is ciphertext that opens with the owner's
// key. Text that only has the shape of ciphertext is plaintext and gets
// encrypted like any other value.
func (c *Codec) ownCiphertext(s, ownerID string) bool {
	if !fieldcipher.LooksEncrypted(s) {
		return false
	}
	_, err := c.decrypt(s, ownerID)
	return err == nil
}

// encodeValue turns v into the plaintext to encrypt. skip is set for values
// that are stored as they are: empty values and error markers.
func encodeValue(v any, kind FieldKind) (plain string, skip bool, err error) {
	if s, ok := v.(string); ok {
		if s == "" || IsErrorTagged(s) {
			return "", true, nil
		}
		return s, false, nil
	}

	if kind == Composite {
		switch list := v.(type) {
		case []any:
			if len(list) == 0 {
				return "", true, nil
			}
		case []string:
			if len(list) == 0 {
				return "", true, nil
			}
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return "", false, fmt.Errorf("encoding composite value: %w", err)
		}
		return string(raw), false, nil
	}

	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339), false, nil
	case docstore.Timestamp:
		return t.Time().Format(time.RFC3339), false, nil
	case fmt.Stringer:
		return t.String(), false, nil
	}
	return fmt.Sprint(v), false, nil
}

// ToDisplayable decrypts a stored record. Undecryptable fields keep their
// stored value and are reported in the result; the metadata block is
// removed and native timestamps become time.Time.
func (c *Codec) ToDisplayable(stored map[string]any, rt RecordType, ownerID string) Result {
	out := make(map[string]any, len(stored))
	for k, v := range stored {
		if k == MetadataKey {
			continue
		}
		out[k] = normalizeTimes(v)
	}

	var failures []FieldError
	for _, field := range SensitiveFields(rt) {
		s, ok := out[field].(string)
		if !ok || s == "" {
			continue
		}
		if IsErrorTagged(s) {
			failures = append(failures, FieldError{Field: field, Marker: markerOf(s), Err: ErrTaggedValue})
			continue
		}
		if !fieldcipher.LooksEncrypted(s) {
			// Written before the field became sensitive.
			continue
		}

		plain, err := c.decrypt(s, ownerID)
		if err != nil {
			failures = append(failures, FieldError{
				Field:  field,
				Marker: decryptionMarker(err),
				Err:    fmt.Errorf("%w: %w", ErrUndecryptable, err),
			})
			continue
		}
		out[field] = decodeValue(plain, sensitiveFields[rt][field])
	}

	return Result{Fields: out, Failures: failures}
}

// decrypt accepts plaintext only when it is non-empty and not itself an
// error marker, retrying once on the payload of a double-wrapped value.
func (c *Codec) decrypt(ct, ownerID string) (string, error) {
	plain, err := c.cipher.Decrypt(ct, ownerID)
	if err == nil && IsErrorTagged(plain) {
		err = ErrTaggedValue
	}
	if err == nil && plain == "" {
		err = fieldcipher.ErrEmptyResult
	}
	if err == nil {
		return plain, nil
	}

	if payload, ok := fieldcipher.SplitLegacy(ct); ok {
		retry, rerr := c.cipher.Decrypt(payload, ownerID)
		if rerr == nil && retry != "" && !IsErrorTagged(retry) {
			return retry, nil
		}
	}
	return "", err
}

func decodeValue(plain string, kind FieldKind) any {
	if kind != Composite {
		return plain
	}
	trimmed := strings.TrimSpace(plain)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return plain
}

// Metadata rebuilds the metadata block from the fields that are actually
// ciphertext in doc.
func (c *Codec) Metadata(doc map[string]any, rt RecordType, updatedBy string) Metadata {
	encrypted := []string{}
	for _, field := range SensitiveFields(rt) {
		if s, ok := doc[field].(string); ok && fieldcipher.LooksEncrypted(s) {
			encrypted = append(encrypted, field)
		}
	}
	sort.Strings(encrypted)
	return Metadata{
		Version:         c.version,
		EncryptedFields: encrypted,
		UpdatedBy:       updatedBy,
		LastUpdated:     c.now().UTC(),
	}
}

// MetadataField is Metadata in the form stored under MetadataKey.
func (c *Codec) MetadataField(doc map[string]any, rt RecordType, updatedBy string) map[string]any {
	return c.Metadata(doc, rt, updatedBy).asMap()
}

func markerOf(s string) string {
	for _, m := range knownMarkers {
		if strings.HasPrefix(s, m) {
			return m
		}
	}
	return ""
}

// normalizeTimes replaces native store timestamps with time.Time values,
// descending into maps and slices.
func normalizeTimes(v any) any {
	if ts, ok := docstore.AsTimestamp(v); ok {
		return ts.Time()
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalizeTimes(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeTimes(item)
		}
		return out
	}
	return v
}
