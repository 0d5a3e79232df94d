package core

import (
	"encoding/json"
	"fmt"
)

// Part represents a polymorphic segment of role-based content. Concrete part
// types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text     string         // Plain UTF-8 text
	Metadata map[string]any // Optional producer-provided metadata
}

// isPart implements the Part interface for TextPart.
func (TextPart) isPart() {}

// DataPart is a structured data segment (e.g., JSON object map).
type DataPart struct {
	Data     map[string]any // Structured key/value payload
	Metadata map[string]any
}

// isPart implements the Part interface for DataPart.
func (DataPart) isPart() {}

// BlobPart is an inline binary content segment. It is the payload shape for
// binary artifacts and carries raw bytes plus their content type.
type BlobPart struct {
	Data     []byte // Raw bytes (base64 encoded on the wire)
	MimeType string // Content type of the payload
	Metadata map[string]any
}

// isPart implements the Part interface for BlobPart.
func (BlobPart) isPart() {}

// FilePart is a file attachment segment referencing content by URI or
// carrying it inline. Artifact stores treat URI-only file parts as external
// references and never copy the referenced bytes.
type FilePart struct {
	File     FilePartFile // File metadata / reference
	Metadata map[string]any
}

// isPart implements the Part interface for FilePart.
func (FilePart) isPart() {}

// FunctionCall describes a tool/function invocation request.
type FunctionCall struct {
	ID        string `json:"id,omitempty"`        // Optional stable id (can be supplied later)
	Name      string `json:"name"`                // Tool / function name
	Arguments string `json:"arguments,omitempty"` // Serialized argument payload (e.g. JSON)
}

// FunctionCallPart wraps a FunctionCall as a content part.
type FunctionCallPart struct {
	FunctionCall FunctionCall
	Metadata     map[string]any
}

// isPart implements the Part interface for FunctionCallPart.
func (FunctionCallPart) isPart() {}

// FunctionResponse describes the outcome of a function call.
type FunctionResponse struct {
	ID       string      `json:"id,omitempty"`       // Matches originating FunctionCall ID
	Name     string      `json:"name"`               // Function name
	Response interface{} `json:"response,omitempty"` // Successful result (any shape)
	Error    string      `json:"error,omitempty"`    // Populated on failure
}

// FunctionResponsePart wraps a FunctionResponse as a content part.
type FunctionResponsePart struct {
	FunctionResponse FunctionResponse
	Metadata         map[string]any
}

// isPart implements the Part interface for FunctionResponsePart.
func (FunctionResponsePart) isPart() {}

// FilePartFile represents a file attachment segment.
type FilePartFile struct {
	Bytes    string  `json:"bytes,omitempty"`     // Base64 encoded contents (if inlined)
	MimeType *string `json:"mime_type,omitempty"` // Optional MIME type
	Name     *string `json:"name,omitempty"`      // Original filename hint
	URI      string  `json:"uri,omitempty"`       // External retrieval URI (if not inlined)
}

// Content holds role + ordered parts.
type Content struct {
	Role  string `json:"role,omitempty"` // Conversation role (user, assistant, tool, system,...)
	Parts []Part `json:"parts"`          // Ordered heterogeneous parts
}

// Part type tags used by the JSON envelope.
const (
	partTypeText             = "text"
	partTypeData             = "data"
	partTypeBlob             = "blob"
	partTypeFile             = "file"
	partTypeFunctionCall     = "function_call"
	partTypeFunctionResponse = "function_response"
)

// partJSON is the wire envelope for the closed Part set. The type tag selects
// which payload field is populated so heterogeneous part slices survive
// serialization and load back as their concrete types.
type partJSON struct {
	Type             string            `json:"type"`
	Text             string            `json:"text,omitempty"`
	Data             map[string]any    `json:"data,omitempty"`
	Blob             []byte            `json:"blob,omitempty"`
	MimeType         string            `json:"mime_type,omitempty"`
	File             *FilePartFile     `json:"file,omitempty"`
	FunctionCall     *FunctionCall     `json:"function_call,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
}

func encodePart(p Part) (partJSON, error) {
	switch v := p.(type) {
	case TextPart:
		return partJSON{Type: partTypeText, Text: v.Text, Metadata: v.Metadata}, nil
	case DataPart:
		return partJSON{Type: partTypeData, Data: v.Data, Metadata: v.Metadata}, nil
	case BlobPart:
		return partJSON{Type: partTypeBlob, Blob: v.Data, MimeType: v.MimeType, Metadata: v.Metadata}, nil
	case FilePart:
		f := v.File
		return partJSON{Type: partTypeFile, File: &f, Metadata: v.Metadata}, nil
	case FunctionCallPart:
		fc := v.FunctionCall
		return partJSON{Type: partTypeFunctionCall, FunctionCall: &fc, Metadata: v.Metadata}, nil
	case FunctionResponsePart:
		fr := v.FunctionResponse
		return partJSON{Type: partTypeFunctionResponse, FunctionResponse: &fr, Metadata: v.Metadata}, nil
	default:
		return partJSON{}, fmt.Errorf("unknown part type %T", p)
	}
}

func decodePart(e partJSON) (Part, error) {
	switch e.Type {
	case partTypeText:
		return TextPart{Text: e.Text, Metadata: e.Metadata}, nil
	case partTypeData:
		return DataPart{Data: e.Data, Metadata: e.Metadata}, nil
	case partTypeBlob:
		return BlobPart{Data: e.Blob, MimeType: e.MimeType, Metadata: e.Metadata}, nil
	case partTypeFile:
		var f FilePartFile
		if e.File != nil {
			f = *e.File
		}
		return FilePart{File: f, Metadata: e.Metadata}, nil
	case partTypeFunctionCall:
		var fc FunctionCall
		if e.FunctionCall != nil {
			fc = *e.FunctionCall
		}
		return FunctionCallPart{FunctionCall: fc, Metadata: e.Metadata}, nil
	case partTypeFunctionResponse:
		var fr FunctionResponse
		if e.FunctionResponse != nil {
			fr = *e.FunctionResponse
		}
		return FunctionResponsePart{FunctionResponse: fr, Metadata: e.Metadata}, nil
	default:
		return nil, fmt.Errorf("unknown part type %q", e.Type)
	}
}

type contentJSON struct {
	Role  string     `json:"role,omitempty"`
	Parts []partJSON `json:"parts"`
}

// MarshalJSON encodes the content with typed part envelopes.
func (c Content) MarshalJSON() ([]byte, error) {
	parts := make([]partJSON, 0, len(c.Parts))
	for _, p := range c.Parts {
		e, err := encodePart(p)
		if err != nil {
			return nil, err
		}
		parts = append(parts, e)
	}
	return json.Marshal(contentJSON{Role: c.Role, Parts: parts})
}

// UnmarshalJSON decodes typed part envelopes back into concrete Part values.
func (c *Content) UnmarshalJSON(data []byte) error {
	var raw contentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parts := make([]Part, 0, len(raw.Parts))
	for _, e := range raw.Parts {
		p, err := decodePart(e)
		if err != nil {
			return err
		}
		parts = append(parts, p)
	}
	c.Role = raw.Role
	c.Parts = parts
	return nil
}
