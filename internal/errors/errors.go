package errors

import "errors"

// Per-record errors. These are caught at the task boundary and counted; they
// never abort an export.
var (
	// ErrParse indicates a stream line was not valid JSON or lacked a required field.
	ErrParse = errors.New("malformed submission line")

	// ErrDecryption indicates the encrypted content could not be opened with the form secret key.
	ErrDecryption = errors.New("failed to decrypt submission")

	// ErrUnverifiedSignature indicates a signed field failed verification.
	ErrUnverifiedSignature = errors.New("submission signature could not be verified")

	// ErrAttachmentDownload indicates an attachment could not be fetched or decrypted.
	ErrAttachmentDownload = errors.New("failed to download attachment")

	// ErrUnknownResponseShape indicates a decrypted answer matched none of the known answer shapes.
	ErrUnknownResponseShape = errors.New("unknown response shape")
)

// Export errors end the export as a whole.
var (
	// ErrNetwork indicates the submission stream itself failed. No further records can arrive.
	ErrNetwork = errors.New("submission stream failed")

	// ErrBadStatus indicates the form server answered with a non-200 status.
	ErrBadStatus = errors.New("unexpected response status")

	// ErrAllRecordsFailed indicates not a single record could be processed.
	ErrAllRecordsFailed = errors.New("no responses could be decrypted")

	// ErrExportAborted indicates the export was cancelled by the user.
	ErrExportAborted = errors.New("export aborted")
)

// Setup errors are programmer or configuration errors, fatal immediately.
var (
	// ErrInitialization indicates the crypto capability was not configured before use.
	ErrInitialization = errors.New("crypto not initialized")

	// ErrInvalidKey indicates a secret or public key is not valid base64 of the expected length.
	ErrInvalidKey = errors.New("invalid key")

	// ErrMissingConfig indicates a required configuration value was not provided.
	ErrMissingConfig = errors.New("missing required configuration")
)
