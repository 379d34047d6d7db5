package compliance

import (
	"errors"
	"strings"

	"github.com/dmehra2102/prod-golang-projects/osteosync/pkg/fieldcipher"
)

// Error markers that can appear in place of a field value. Some are written
// by this package, the others by earlier versions of the client and must be
// recognised when read back.
const (
	MarkerEncryptionError = "[ENCRYPTION_ERROR:"
	MarkerDecryptionError = "[DECRYPTION_ERROR:"
	MarkerDecodingFailed  = "[DECODING_FAILED]"
	MarkerProtectedData   = "[PROTECTED_DATA]"
	MarkerNotEncrypted    = "[NOT_ENCRYPTED_OR_INVALID]"
	MarkerEmptyData       = "[EMPTY_DATA]"
	MarkerMalformed       = "[MALFORMED_ENCRYPTED_DATA]"
	MarkerMissingIV       = "[MISSING_IV_OR_CIPHERTEXT]"
	MarkerEmptyCiphertext = "[EMPTY_CIPHERTEXT]"
	MarkerInvalidIV       = "[INVALID_IV_FORMAT]"
	MarkerEmptyResult     = "[EMPTY_DECRYPTION_RESULT]"
	MarkerAESFailed       = "[AES_DECRYPTION_FAILED]"
	MarkerEmptyUTF8       = "[EMPTY_UTF8_DATA]"
	MarkerGeneralFailure  = "[GENERAL_DECRYPTION_ERROR]"
	MarkerPreviousFailure = "[PREVIOUS_DECRYPTION_ERROR]"
)

var knownMarkers = []string{
	MarkerEncryptionError,
	MarkerDecryptionError,
	MarkerDecodingFailed,
	MarkerProtectedData,
	MarkerNotEncrypted,
	MarkerEmptyData,
	MarkerMalformed,
	MarkerMissingIV,
	MarkerEmptyCiphertext,
	MarkerInvalidIV,
	MarkerEmptyResult,
	MarkerAESFailed,
	MarkerEmptyUTF8,
	MarkerGeneralFailure,
	MarkerPreviousFailure,
}

var (
	ErrTaggedValue   = errors.New("value carries an error marker")
	ErrUndecryptable = errors.New("value could not be decrypted")
)

func IsErrorTagged(v string) bool {
	for _, m := range knownMarkers {
		if strings.HasPrefix(v, m) {
			return true
		}
	}
	return false
}

func encryptionMarker(err error) string {
	return MarkerEncryptionError + err.Error() + "]"
}

// decryptionMarker maps a cipher failure to the marker describing it.
func decryptionMarker(err error) string {
	switch {
	case errors.Is(err, fieldcipher.ErrEmptyCiphertext):
		return MarkerEmptyCiphertext
	case errors.Is(err, fieldcipher.ErrMalformed):
		return MarkerMalformed
	case errors.Is(err, fieldcipher.ErrAuthentication):
		return MarkerAESFailed
	case errors.Is(err, fieldcipher.ErrEmptyResult):
		return MarkerEmptyResult
	}
	return MarkerGeneralFailure
}
