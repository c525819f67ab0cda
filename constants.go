package cmakeserver

// Wire delimiters. A message body is every line between a StartMagic line and the next
// EndMagic line.
const (
	StartMagic = "[== CMake Server ==["
	EndMagic   = "]== CMake Server ==]"
)

// Message types.
const (
	TypeHello     = "hello"
	TypeHandshake = "handshake"
	TypeReply     = "reply"
	TypeError     = "error"
	TypeProgress  = "progress"
	TypeMessage   = "message"
)

// Envelope and handshake keys.
const (
	KeyType                      = "type"
	KeyCookie                    = "cookie"
	KeyInReplyTo                 = "inReplyTo"
	KeyErrorMessage              = "errorMessage"
	KeyProtocolVersion           = "protocolVersion"
	KeyMajor                     = "major"
	KeyMinor                     = "minor"
	KeySupportedProtocolVersions = "supportedProtocolVersions"

	KeyProgressMinimum = "progressMinimum"
	KeyProgressCurrent = "progressCurrent"
	KeyProgressMaximum = "progressMaximum"
	KeyProgressMessage = "progressMessage"

	KeyMessage = "message"
	KeyTitle   = "title"
)

const (
	errMsgNoType               = "No type given in request."
	errMsgWaitingForHandshake  = `Waiting for type "handshake".`
	errMsgProtocolVersionUnset = `"protocolVersion" is required for "handshake".`
	errMsgMajorInvalid         = `"major" must be set and an integer.`
	errMsgMinorInvalid         = `"minor" must be unset or an integer.`
	errMsgMajorNegative        = `"major" must be >= 0.`
	errMsgMinorNegative        = `"minor" must be >= 0 when set.`
	errMsgVersionNotSupported  = "Protocol version not supported."
	errMsgActivationFailed     = "Failed to activate protocol version: "
	errMsgParseFailed          = "Failed to parse JSON input: "
	errMsgIncompleteResponse   = "Response was not completed."
	errMsgSerializeFailed      = "Failed to serialize response: "

	readBufferSize = 64 * 1024
)
