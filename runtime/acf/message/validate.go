package message

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ruche-ai/fabric/runtime/acf"
)

// DefaultMaxEnvelopeBytes is the default ingress size cap.
const DefaultMaxEnvelopeBytes = 256 * 1024

type (
	// Validator checks normalized envelopes before dispatch. A zero
	// Validator applies the default size cap and no structured schema.
	Validator struct {
		// MaxEnvelopeBytes caps the serialized envelope size. Zero means
		// DefaultMaxEnvelopeBytes.
		MaxEnvelopeBytes int
		// StructuredSchema, when set, is compiled once and applied to the
		// envelope's structured content.
		StructuredSchema string

		compileOnce sync.Once
		schema      *jsonschema.Schema
		compileErr  error
	}
)

// Validate checks required fields, content-type coherence, size, and the
// structured payload schema. It returns a classified *acf.Error on failure.
func (v *Validator) Validate(m *RawMessage) error {
	if m == nil {
		return acf.NewError(acf.CodeInvalidRequest, "envelope is required")
	}
	if m.TenantID == "" || m.AgentID == "" {
		return acf.NewError(acf.CodeInvalidRequest, "tenant_id and agent_id are required")
	}
	if m.Channel == "" || m.ChannelUserID == "" {
		return acf.NewError(acf.CodeInvalidRequest, "channel and channel_user_id are required")
	}
	if !acf.ValidContentType(m.ContentType) {
		return acf.NewError(acf.CodeInvalidRequest, "unknown content_type %q", m.ContentType)
	}
	if m.ReceivedAt.IsZero() {
		return acf.NewError(acf.CodeInvalidRequest, "received_at is required")
	}
	if m.ContentType == acf.ContentText && m.Text == "" {
		return acf.NewError(acf.CodeInvalidRequest, "text content requires text")
	}
	if m.ContentType != acf.ContentText && m.Text == "" &&
		len(m.Media) == 0 && m.Location == nil && m.Contact == nil && len(m.Structured) == 0 {
		return acf.NewError(acf.CodeInvalidRequest, "non-text content requires media, location, contact or structured payload")
	}

	cap := v.MaxEnvelopeBytes
	if cap <= 0 {
		cap = DefaultMaxEnvelopeBytes
	}
	if size := m.PayloadBytes(); size > cap {
		return acf.NewError(acf.CodePayloadTooLarge, "envelope is %d bytes, cap is %d", size, cap)
	}

	if len(m.Structured) > 0 && v.StructuredSchema != "" {
		schema, err := v.compiled()
		if err != nil {
			return acf.WrapError(acf.CodeInternal, "compile structured schema", err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(m.Structured))
		if err != nil {
			return acf.NewError(acf.CodeInvalidRequest, "structured content is not valid JSON: %v", err)
		}
		if err := schema.Validate(doc); err != nil {
			return acf.NewError(acf.CodeInvalidRequest, "structured content rejected: %v", err)
		}
	}
	return nil
}

func (v *Validator) compiled() (*jsonschema.Schema, error) {
	v.compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(v.StructuredSchema)))
		if err != nil {
			v.compileErr = fmt.Errorf("parse schema: %w", err)
			return
		}
		if err := compiler.AddResource("structured.json", doc); err != nil {
			v.compileErr = err
			return
		}
		v.schema, v.compileErr = compiler.Compile("structured.json")
	})
	return v.schema, v.compileErr
}
