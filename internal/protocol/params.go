// ABOUTME: Per-method request parameter shapes and their validating decoder
// ABOUTME: Unknown fields and rule violations become INVALID_REQUEST errors

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Method names understood by the dispatcher.
const (
	MethodConnect         = "connect"
	MethodHealth          = "health"
	MethodStatus          = "status"
	MethodSystemPresence  = "system-presence"
	MethodSystemEvent     = "system-event"
	MethodChatSend        = "chat.send"
	MethodChatAbort       = "chat.abort"
	MethodChatHistory     = "chat.history"
	MethodChatSubscribe   = "chat.subscribe"
	MethodChatUnsubscribe = "chat.unsubscribe"
	MethodAgent           = "agent"
	MethodSessionsList    = "sessions.list"
	MethodSessionsPatch   = "sessions.patch"
	MethodNodeList        = "node.list"
)

// EmptyParams is the shape of methods that take no parameters.
type EmptyParams struct{}

// Attachment is an inline file sent alongside a chat message.
type Attachment struct {
	Type     string `json:"type,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Content  string `json:"content" validate:"required"`
}

// ChatSendParams starts a chat turn for a session.
type ChatSendParams struct {
	SessionKey     string       `json:"sessionKey" validate:"required"`
	Message        string       `json:"message" validate:"required_without=Attachments"`
	Thinking       string       `json:"thinking,omitempty"`
	Deliver        *bool        `json:"deliver,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty" validate:"omitempty,dive"`
	TimeoutMs      int          `json:"timeoutMs,omitempty" validate:"omitempty,min=1"`
	IdempotencyKey string       `json:"idempotencyKey" validate:"required"`
}

// ChatAbortParams cancels an in-flight chat run.
type ChatAbortParams struct {
	SessionKey string `json:"sessionKey" validate:"required"`
	RunID      string `json:"runId" validate:"required"`
}

// ChatHistoryParams reads the stored transcript of a session.
type ChatHistoryParams struct {
	SessionKey string `json:"sessionKey" validate:"required"`
	Limit      int    `json:"limit,omitempty" validate:"omitempty,min=1,max=1000"`
	Format     string `json:"format,omitempty" validate:"omitempty,oneof=text html"`
}

// ChatSubscribeParams subscribes or unsubscribes a bridge node to a session.
type ChatSubscribeParams struct {
	SessionKey string `json:"sessionKey" validate:"required"`
}

// AgentParams starts an agent turn that is not tracked as a chat run.
type AgentParams struct {
	Message        string `json:"message" validate:"required"`
	SessionKey     string `json:"sessionKey,omitempty"`
	Thinking       string `json:"thinking,omitempty"`
	TimeoutMs      int    `json:"timeoutMs,omitempty" validate:"omitempty,min=1"`
	IdempotencyKey string `json:"idempotencyKey" validate:"required"`
}

// SystemEventParams is a presence beacon sent by a client.
type SystemEventParams struct {
	Text       string `json:"text" validate:"required"`
	InstanceID string `json:"instanceId,omitempty"`
	Host       string `json:"host,omitempty"`
	IP         string `json:"ip,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Version    string `json:"version,omitempty"`
	Platform   string `json:"platform,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// SessionsListParams filters the session listing.
type SessionsListParams struct {
	Limit         int `json:"limit,omitempty" validate:"omitempty,min=1"`
	ActiveMinutes int `json:"activeMinutes,omitempty" validate:"omitempty,min=1"`
}

// SessionsPatchParams updates session metadata. Nil fields are left alone.
type SessionsPatchParams struct {
	Key           string  `json:"key" validate:"required"`
	ThinkingLevel *string `json:"thinkingLevel,omitempty" validate:"omitempty,oneof=off minimal low medium high"`
	VerboseLevel  *string `json:"verboseLevel,omitempty" validate:"omitempty,oneof=off on"`
	Label         *string `json:"label,omitempty" validate:"omitempty,max=64"`
}

// DedupeKey returns the idempotency key of the request.
func (p ChatSendParams) DedupeKey() string { return p.IdempotencyKey }

// DedupeKey returns the idempotency key of the request.
func (p AgentParams) DedupeKey() string { return p.IdempotencyKey }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// DecodeParams decodes raw into the parameter shape P for method and runs its
// validation rules. Missing or null params decode as an empty object.
func DecodeParams[P any](method string, raw json.RawMessage) (P, error) {
	var params P

	data := bytes.TrimSpace(raw)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		data = []byte("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&params); err != nil {
		return params, InvalidRequest("invalid %s params: %v", method, err)
	}

	if err := Validate(params); err != nil {
		violations := Violations(err)
		e := InvalidRequest("invalid %s params: %s", method, strings.Join(violations, "; "))
		e.Details = violations
		return params, e
	}

	return params, nil
}

// Validate runs the struct validation rules on v.
func Validate(v any) error {
	return validate.Struct(v)
}

// Violations flattens a validation error into "field: rule" strings.
func Violations(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}

	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out = append(out, field+": "+rule)
	}
	return out
}
