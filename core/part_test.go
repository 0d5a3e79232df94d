package core

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestContent_JSONRoundTrip(t *testing.T) {
	mime := "text/plain"
	name := "notes.txt"
	original := Content{
		Role: "assistant",
		Parts: []Part{
			TextPart{Text: "hello", Metadata: map[string]any{"lang": "en"}},
			DataPart{Data: map[string]any{"k": "v"}},
			BlobPart{Data: []byte("binary-payload"), MimeType: "application/octet-stream"},
			FilePart{File: FilePartFile{URI: "gs://bucket/notes.txt", MimeType: &mime, Name: &name}},
			FunctionCallPart{FunctionCall: FunctionCall{ID: "c1", Name: "lookup", Arguments: `{"q":1}`}},
			FunctionResponsePart{FunctionResponse: FunctionResponse{ID: "c1", Name: "lookup", Response: "ok"}},
		},
	}

	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Content
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.Role != "assistant" || len(decoded.Parts) != len(original.Parts) {
		t.Fatalf("decoded shape wrong: %+v", decoded)
	}

	text, ok := decoded.Parts[0].(TextPart)
	if !ok || text.Text != "hello" || text.Metadata["lang"] != "en" {
		t.Errorf("text part lost: %+v", decoded.Parts[0])
	}
	data, ok := decoded.Parts[1].(DataPart)
	if !ok || data.Data["k"] != "v" {
		t.Errorf("data part lost: %+v", decoded.Parts[1])
	}
	blob, ok := decoded.Parts[2].(BlobPart)
	if !ok || string(blob.Data) != "binary-payload" || blob.MimeType != "application/octet-stream" {
		t.Errorf("blob part lost: %+v", decoded.Parts[2])
	}
	file, ok := decoded.Parts[3].(FilePart)
	if !ok || file.File.URI != "gs://bucket/notes.txt" || file.File.MimeType == nil || *file.File.MimeType != mime {
		t.Errorf("file part lost: %+v", decoded.Parts[3])
	}
	call, ok := decoded.Parts[4].(FunctionCallPart)
	if !ok || call.FunctionCall.Name != "lookup" || call.FunctionCall.Arguments != `{"q":1}` {
		t.Errorf("function call part lost: %+v", decoded.Parts[4])
	}
	resp, ok := decoded.Parts[5].(FunctionResponsePart)
	if !ok || resp.FunctionResponse.Response != "ok" {
		t.Errorf("function response part lost: %+v", decoded.Parts[5])
	}
}

func TestContent_UnmarshalUnknownPartType(t *testing.T) {
	raw := `{"role":"user","parts":[{"type":"hologram"}]}`
	var c Content
	err := json.Unmarshal([]byte(raw), &c)
	if err == nil || !strings.Contains(err.Error(), "hologram") {
		t.Fatalf("expected unknown part type error, got %v", err)
	}
}

func TestEvent_JSONRoundTripWithContent(t *testing.T) {
	ev := NewUserMessageEvent("inv-1", "hi there")
	ev.Actions.StateDelta = map[string]any{"counter": float64(1)}
	ev.Actions.ArtifactDelta = map[string]int{"report.txt": 0}

	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.ID != ev.ID || decoded.Author != "user" {
		t.Errorf("identity lost: %+v", decoded)
	}
	if decoded.Content == nil || len(decoded.Content.Parts) != 1 {
		t.Fatalf("content lost: %+v", decoded.Content)
	}
	if tp, ok := decoded.Content.Parts[0].(TextPart); !ok || tp.Text != "hi there" {
		t.Errorf("text part lost: %+v", decoded.Content.Parts[0])
	}
	if decoded.Actions.StateDelta["counter"] != float64(1) {
		t.Errorf("state delta lost: %+v", decoded.Actions.StateDelta)
	}
	if decoded.Actions.ArtifactDelta["report.txt"] != 0 {
		t.Errorf("artifact delta lost: %+v", decoded.Actions.ArtifactDelta)
	}
	if !decoded.Timestamp.Equal(ev.Timestamp) {
		t.Errorf("timestamp drift: %v vs %v", decoded.Timestamp, ev.Timestamp)
	}
}
