package stratum

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/bardlex/gominer/pkg/errors"
)

// Methods spoken with the pool.
const (
	MethodLogin     = "login"
	MethodSubmit    = "submit"
	MethodKeepalive = "keepalived"
	MethodJob       = "job"
)

// LoginRequestID is reserved for the login request on every connection.
const LoginRequestID int64 = 1

// Message is an inbound JSON-RPC object. Fields stay raw until the dispatcher
// knows what kind of message it is looking at.
type Message struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error represents a pool error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Request is an outbound JSON-RPC request
type Request struct {
	ID      int64  `json:"id"`
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// LoginParams are the params of the login request
type LoginParams struct {
	Login string `json:"login"`
	Pass  string `json:"pass"`
	Agent string `json:"agent"`
}

// LoginResult is the result object of a successful login
type LoginResult struct {
	ID     string     `json:"id"`
	Job    *JobParams `json:"job"`
	Status string     `json:"status,omitempty"`
}

// JobParams is a job object, either embedded in the login result or sent as
// the params of a job notification.
type JobParams struct {
	JobID  string `json:"job_id"`
	Blob   string `json:"blob"`
	Target string `json:"target"`
}

// SubmitParams are the params of a share submission
type SubmitParams struct {
	ID     string `json:"id"`
	JobID  string `json:"job_id"`
	Nonce  string `json:"nonce"`
	Result string `json:"result"`
}

// KeepaliveParams are the params of a keepalived request
type KeepaliveParams struct {
	ID string `json:"id"`
}

// ParseMessage parses one protocol line
func ParseMessage(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeParse, "parse_message", "invalid JSON")
	}
	return &msg, nil
}

// MarshalRequest encodes a request as a single newline terminated line
func MarshalRequest(id int64, method string, params any) ([]byte, error) {
	data, err := json.Marshal(&Request{
		ID:      id,
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "marshal_request", "failed to marshal request").
			WithContext("method", method)
	}
	return append(data, '\n'), nil
}

// NumericID returns the message id when it is a JSON number. Pools only send
// numeric ids on responses.
func (m *Message) NumericID() (int64, bool) {
	raw := bytes.TrimSpace(m.ID)
	if len(raw) == 0 || raw[0] == '"' || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}

	if id, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		return id, true
	}
	// some pools echo ids as floats
	if f, err := strconv.ParseFloat(string(raw), 64); err == nil && f == float64(int64(f)) {
		return int64(f), true
	}
	return 0, false
}

// IsResponse returns true if the message is a response
func (m *Message) IsResponse() bool {
	_, ok := m.NumericID()
	return ok
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return !m.IsResponse() && m.Method != ""
}

// DecodeLoginResult decodes the result of a login response
func DecodeLoginResult(raw json.RawMessage) (*LoginResult, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, errors.New(errors.ErrorTypeProtocol, "parse_login", "missing result")
	}

	var res LoginResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "parse_login", "invalid result")
	}
	return &res, nil
}

// DecodeJobParams decodes the params of a job notification
func DecodeJobParams(raw json.RawMessage) (*JobParams, error) {
	if len(raw) == 0 {
		return nil, errors.New(errors.ErrorTypeParse, "parse_job", "missing params")
	}

	var params JobParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeParse, "parse_job", "invalid params")
	}
	return &params, nil
}
