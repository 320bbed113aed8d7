package message

// ErrorCode is an ebMS3 error code, e.g. "EBMS:0004".
type ErrorCode string

// Error codes defined by the ebMS3 core specification and the AS4 profile.
const (
	CodeValueNotRecognized    ErrorCode = "EBMS:0001"
	CodeFeatureNotSupported   ErrorCode = "EBMS:0002"
	CodeValueInconsistent     ErrorCode = "EBMS:0003"
	CodeOther                 ErrorCode = "EBMS:0004"
	CodeConnectionFailure     ErrorCode = "EBMS:0005"
	CodeEmptyMessagePartition ErrorCode = "EBMS:0006"
	CodeMimeInconsistency     ErrorCode = "EBMS:0007"
	CodeInvalidHeader         ErrorCode = "EBMS:0009"
	CodeProcessingModeMismatch ErrorCode = "EBMS:0010"
	CodeExternalPayloadError  ErrorCode = "EBMS:0011"
	CodeFailedAuthentication  ErrorCode = "EBMS:0101"
	CodeFailedDecryption      ErrorCode = "EBMS:0102"
	CodePolicyNonCompliance   ErrorCode = "EBMS:0103"
	CodeDysfunctionalReliability ErrorCode = "EBMS:0201"
	CodeDeliveryFailure       ErrorCode = "EBMS:0202"
	CodeMissingReceipt        ErrorCode = "EBMS:0301"
	CodeInvalidReceipt        ErrorCode = "EBMS:0302"
	CodeDecompressionFailure  ErrorCode = "EBMS:0303"
)

// shortDescriptions maps each code to its specified short description.
var shortDescriptions = map[ErrorCode]string{
	CodeValueNotRecognized:       "ValueNotRecognized",
	CodeFeatureNotSupported:      "FeatureNotSupported",
	CodeValueInconsistent:        "ValueInconsistent",
	CodeOther:                    "Other",
	CodeConnectionFailure:        "ConnectionFailure",
	CodeEmptyMessagePartition:    "EmptyMessagePartitionChannel",
	CodeMimeInconsistency:        "MimeInconsistency",
	CodeInvalidHeader:            "InvalidHeader",
	CodeProcessingModeMismatch:   "ProcessingModeMismatch",
	CodeExternalPayloadError:     "ExternalPayloadError",
	CodeFailedAuthentication:     "FailedAuthentication",
	CodeFailedDecryption:         "FailedDecryption",
	CodePolicyNonCompliance:      "PolicyNoncompliance",
	CodeDysfunctionalReliability: "DysfunctionalReliability",
	CodeDeliveryFailure:          "DeliveryFailure",
	CodeMissingReceipt:           "MissingReceipt",
	CodeInvalidReceipt:           "InvalidReceipt",
	CodeDecompressionFailure:     "DecompressionFailure",
}

// ShortDescription returns the specified short description for the code.
func (c ErrorCode) ShortDescription() string {
	if d, ok := shortDescriptions[c]; ok {
		return d
	}
	return string(c)
}

// FailureLine builds an error line with failure severity.
func FailureLine(code ErrorCode, category, detail string) ErrorLine {
	return ErrorLine{
		Code:             code,
		Severity:         SeverityFailure,
		Category:         category,
		ShortDescription: code.ShortDescription(),
		Detail:           detail,
	}
}

// EmptyPullWarning builds the EBMS:0006 warning line signalling that the
// pulled MPC held no message.
func EmptyPullWarning(mpc string) ErrorLine {
	return ErrorLine{
		Code:             CodeEmptyMessagePartition,
		Severity:         SeverityWarning,
		Category:         "Communication",
		ShortDescription: CodeEmptyMessagePartition.ShortDescription(),
		Detail:           "no message available in MPC " + mpc,
	}
}
