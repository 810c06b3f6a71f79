package wire

import (
	"encoding/binary"
	"sort"
)

// Append frames a tagged message onto dst and returns the extended slice.
func Append(dst []byte, msgType byte, payload []byte) []byte {
	dst = append(dst, msgType)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)+4))
	return append(dst, payload...)
}

// Encode frames a tagged message into a fresh buffer.
func Encode(msgType byte, payload []byte) []byte {
	return Append(make([]byte, 0, 5+len(payload)), msgType, payload)
}

// BuildSSLRequest builds the 8-byte SSLRequest frame.
func BuildSSLRequest() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[:4], 8)
	binary.BigEndian.PutUint32(buf[4:], SSLRequestCode)
	return buf
}

// BuildStartup builds a Startup frame from parameters. Keys are emitted in
// sorted order so the output is deterministic.
func BuildStartup(params map[string]string) []byte {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var body []byte
	body = binary.BigEndian.AppendUint32(body, ProtoVersion)
	for _, k := range keys {
		body = append(body, k...)
		body = append(body, 0)
		body = append(body, params[k]...)
		body = append(body, 0)
	}
	body = append(body, 0)

	buf := make([]byte, 0, 4+len(body))
	buf = binary.BigEndian.AppendUint32(buf, uint32(4+len(body)))
	return append(buf, body...)
}

// BuildAuthenticationOk builds the AuthenticationOk frame.
func BuildAuthenticationOk() []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, AuthOK)
	return Encode(MsgAuthentication, payload)
}

// BuildReadyForQuery builds a ReadyForQuery frame with the given status.
func BuildReadyForQuery(status byte) []byte {
	return Encode(MsgReadyForQuery, []byte{status})
}

// BuildCommandComplete builds a CommandComplete frame with the given tag.
func BuildCommandComplete(tag string) []byte {
	return Encode(MsgCommandComplete, append([]byte(tag), 0))
}

// BuildQuery builds a simple Query frame.
func BuildQuery(sql string) []byte {
	return Encode(MsgQuery, append([]byte(sql), 0))
}

// BuildTerminate builds a Terminate frame.
func BuildTerminate() []byte {
	return Encode(MsgTerminate, nil)
}

// BuildPasswordMessage builds a password ('p') frame. The same framing
// carries SASL responses.
func BuildPasswordMessage(password string) []byte {
	return Encode(MsgPassword, append([]byte(password), 0))
}

// BuildSASLInitialResponse builds the SASLInitialResponse frame carrying the
// chosen mechanism and client-first-message.
func BuildSASLInitialResponse(mechanism string, data []byte) []byte {
	payload := append([]byte(mechanism), 0)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(data)))
	payload = append(payload, data...)
	return Encode(MsgPassword, payload)
}

// BuildSASLResponse builds a SASLResponse frame.
func BuildSASLResponse(data []byte) []byte {
	return Encode(MsgPassword, data)
}

// BuildError builds an ErrorResponse the pooler itself originates: severity
// FATAL, SQLSTATE 08006 (connection failure).
func BuildError(message string) []byte {
	return BuildErrorFields("FATAL", "08006", message)
}

// BuildErrorFields builds an ErrorResponse with explicit severity and code.
func BuildErrorFields(severity, code, message string) []byte {
	var payload []byte
	payload = append(payload, 'S')
	payload = append(payload, severity...)
	payload = append(payload, 0)
	payload = append(payload, 'C')
	payload = append(payload, code...)
	payload = append(payload, 0)
	payload = append(payload, 'M')
	payload = append(payload, message...)
	payload = append(payload, 0)
	payload = append(payload, 0)
	return Encode(MsgErrorResponse, payload)
}
