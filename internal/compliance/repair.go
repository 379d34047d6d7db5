package compliance

import (
	"fmt"

	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/fieldcipher"
)

type RepairResult struct {
	// Patch holds only the rewritten fields plus a refreshed metadata block.
	// It is empty when nothing needed repair.
	Patch         map[string]any
	Repaired      []string
	Unrecoverable []FieldError
}

func (r RepairResult) Changed() bool {
	return len(r.Repaired) > 0
}

// AttemptRepair brings a stored record back to canonical form: values in
// the double-wrapped legacy shape and sensitive values still in plaintext
// are re-encrypted. Values that cannot be decrypted at all are reported
// and left untouched.
func (c *Codec) AttemptRepair(stored map[string]any, rt RecordType, ownerID string) RepairResult {
	res := RepairResult{Patch: map[string]any{}}

	for _, field := range SensitiveFields(rt) {
		v, ok := stored[field]
		if !ok || v == nil {
			continue
		}

		s, isString := v.(string)
		switch {
		case isString && (s == "" || IsErrorTagged(s)):
			if s != "" {
				res.Unrecoverable = append(res.Unrecoverable, FieldError{Field: field, Marker: markerOf(s), Err: ErrTaggedValue})
			}
			continue

		case isString && fieldcipher.LooksEncrypted(s):
			if _, err := c.cipher.Decrypt(s, ownerID); err == nil {
				continue
			}
			plain, err := c.decrypt(s, ownerID)
			if err != nil {
				res.Unrecoverable = append(res.Unrecoverable, FieldError{
					Field:  field,
					Marker: decryptionMarker(err),
					Err:    fmt.Errorf("%w: %w", ErrUndecryptable, err),
				})
				continue
			}
			ct, err := c.cipher.Encrypt(plain, ownerID)
			if err != nil {
				res.Unrecoverable = append(res.Unrecoverable, FieldError{Field: field, Marker: MarkerEncryptionError, Err: err})
				continue
			}
			res.Patch[field] = ct

		default:
			enc := c.EncryptFields(map[string]any{field: v}, rt, ownerID)
			if !enc.OK() {
				res.Unrecoverable = append(res.Unrecoverable, enc.Failures...)
				continue
			}
			ct, isCiphertext := enc.Fields[field].(string)
			if !isCiphertext || !fieldcipher.LooksEncrypted(ct) {
				// Empty values are never encrypted.
				continue
			}
			res.Patch[field] = ct
		}
		res.Repaired = append(res.Repaired, field)
	}

	if res.Changed() {
		merged := make(map[string]any, len(stored))
		for k, v := range stored {
			merged[k] = v
		}
		for k, v := range res.Patch {
			merged[k] = v
		}
		res.Patch[MetadataKey] = c.MetadataField(merged, rt, ownerID)
	}
	return res
}
