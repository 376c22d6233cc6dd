package algorithms

import (
	"fmt"
	"sort"
	"strings"
)

// Decryption error codes. They travel with undecryptable events so they must stay stable.
const (
	CodeOlmMissingSenderKey        = "OLM_MISSING_SENDER_KEY"
	CodeOlmMissingCiphertext       = "OLM_MISSING_CIPHERTEXT"
	CodeOlmMissingDeviceKey        = "OLM_MISSING_DEVICE_KEY"
	CodeOlmNotIncludedInRecipients = "OLM_NOT_INCLUDED_IN_RECIPIENTS"
	CodeOlmBadEncryptedMessage     = "OLM_BAD_ENCRYPTED_MESSAGE"
	CodeOlmBadRecipient            = "OLM_BAD_RECIPIENT"
	CodeOlmBadRecipientKey         = "OLM_BAD_RECIPIENT_KEY"
	CodeOlmBadSender               = "OLM_BAD_SENDER"
	CodeOlmForwardedMessage        = "OLM_FORWARDED_MESSAGE"
	CodeOlmBadRoom                 = "OLM_BAD_ROOM"

	CodeMegolmMissingFields         = "MEGOLM_MISSING_FIELDS"
	CodeMegolmUnknownInboundSession = "MEGOLM_UNKNOWN_INBOUND_SESSION_ID"
	CodeOlmUnknownMessageIndex      = "OLM_UNKNOWN_MESSAGE_INDEX"
	CodeOlmDecryptGroupMessageError = "OLM_DECRYPT_GROUP_MESSAGE_ERROR"
	CodeMegolmBadRoom               = "MEGOLM_BAD_ROOM"
	CodeMegolmKeyWithheld           = "MEGOLM_KEY_WITHHELD"
	CodeMegolmReplayAttack          = "MEGOLM_REPLAY_ATTACK"
)

// DecryptionError is why a single event could not be decrypted.
type DecryptionError struct {
	Code    string
	Message string
	Details map[string]string
	Cause   error
}

func newDecryptionError(code, msg string, details map[string]string, cause error) *DecryptionError {
	return &DecryptionError{Code: code, Message: msg, Details: details, Cause: cause}
}

func (e *DecryptionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if len(e.Details) != 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s: %s", k, e.Details[k])
		}
		b.WriteString("]")
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %s", e.Cause)
	}
	return b.String()
}

func (e *DecryptionError) Unwrap() error {
	return e.Cause
}

// BadEncryptedMessage is the marker an undecryptable event is rendered with.
func BadEncryptedMessage(err error) string {
	return fmt.Sprintf("** Unable to decrypt: %s **", err)
}
