package skill

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/leofalp/agentcanvas/internal/jsonschema"
)

// AuthType selects how the credential is attached to a request.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api_key"

	// AuthBasic expects the credential as "user:password".
	AuthBasic AuthType = "basic"
)

// DefaultAPIKeyHeader carries api_key credentials unless a descriptor names
// another header.
const DefaultAPIKeyHeader = "X-API-Key"

var (
	ErrSkillNotFound        = errors.New("skill: not found")
	ErrInvalidDescriptor    = errors.New("skill: invalid descriptor")
	ErrCredentialNotFound   = errors.New("skill: credential not found")
	ErrInvalidInput         = errors.New("skill: input does not match schema")
	ErrResponseBodyTooLarge = errors.New("skill: response body too large")
)

var validate = validator.New()

// Descriptor is the opaque configuration of one external API.
type Descriptor struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	Endpoint   string   `json:"endpoint" yaml:"endpoint" validate:"required,url"`
	HTTPMethod string   `json:"http_method,omitempty" yaml:"http_method,omitempty" validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	AuthType   AuthType `json:"auth_type,omitempty" yaml:"auth_type,omitempty" validate:"omitempty,oneof=none bearer api_key basic"`

	// CredentialRef names the secret looked up in Credentials.
	CredentialRef string `json:"credential_ref,omitempty" yaml:"credential_ref,omitempty"`
	APIKeyHeader  string `json:"api_key_header,omitempty" yaml:"api_key_header,omitempty"`

	InputSchema *jsonschema.Schema `json:"input_schema,omitempty" yaml:"-"`
}

// Method returns the upper-cased HTTP method, POST when unset.
func (d Descriptor) Method() string {
	if d.HTTPMethod == "" {
		return http.MethodPost
	}
	return strings.ToUpper(d.HTTPMethod)
}

// Auth returns the auth type, AuthNone when unset.
func (d Descriptor) Auth() AuthType {
	if d.AuthType == "" {
		return AuthNone
	}
	return d.AuthType
}

// Override returns d with every non-empty field of inline applied on top.
func (d Descriptor) Override(inline Descriptor) Descriptor {
	if inline.ID != "" {
		d.ID = inline.ID
	}
	if inline.Endpoint != "" {
		d.Endpoint = inline.Endpoint
	}
	if inline.HTTPMethod != "" {
		d.HTTPMethod = inline.HTTPMethod
	}
	if inline.AuthType != "" {
		d.AuthType = inline.AuthType
	}
	if inline.CredentialRef != "" {
		d.CredentialRef = inline.CredentialRef
	}
	if inline.APIKeyHeader != "" {
		d.APIKeyHeader = inline.APIKeyHeader
	}
	if inline.InputSchema != nil {
		d.InputSchema = inline.InputSchema
	}
	return d
}

// Validate checks the descriptor is callable.
func (d Descriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidDescriptor, d.ID, err)
	}
	if d.Auth() != AuthNone && d.CredentialRef == "" {
		return fmt.Errorf("%w: %q: auth type %s needs a credential_ref", ErrInvalidDescriptor, d.ID, d.Auth())
	}
	return nil
}
