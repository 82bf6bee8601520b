package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestWrite_JSON(t *testing.T) {
	var buf bytes.Buffer
	w := New(FormatJSON, WithOutput(&buf))

	err := w.Write(map[string]any{"action": "allow", "tier": "T0"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got["action"] != "allow" {
		t.Fatalf("got %v", got)
	}
}

func TestWrite_YAML(t *testing.T) {
	var buf bytes.Buffer
	w := New(FormatYAML, WithOutput(&buf))

	err := w.Write(map[string]any{"tier": "T2"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.Contains(buf.String(), "tier: T2") {
		t.Fatalf("unexpected yaml: %q", buf.String())
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Fatalf("yaml output must end with newline")
	}
}

func TestWrite_TextGoesToErrorStream(t *testing.T) {
	var out, errOut bytes.Buffer
	w := New(FormatText, WithOutput(&out), WithErrorOutput(&errOut))

	if err := w.Write("hello"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("text output must not pollute stdout")
	}
	if !strings.Contains(errOut.String(), "hello") {
		t.Fatalf("unexpected: %q", errOut.String())
	}
}

func TestWrite_UnsupportedFormat(t *testing.T) {
	w := New(Format("bogus"))
	if err := w.Write("x"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestWriteNDJSON(t *testing.T) {
	var buf bytes.Buffer
	w := New(FormatJSON, WithOutput(&buf))

	if err := w.WriteNDJSON(map[string]any{"a": 1}); err != nil {
		t.Fatalf("WriteNDJSON: %v", err)
	}
	if err := w.WriteNDJSON(map[string]any{"b": 2}); err != nil {
		t.Fatalf("WriteNDJSON: %v", err)
	}
	if strings.Count(buf.String(), "\n") != 2 {
		t.Fatalf("expected two lines, got %q", buf.String())
	}
}

func TestSuccessAndError(t *testing.T) {
	var buf bytes.Buffer
	w := New(FormatJSON, WithOutput(&buf))
	w.Success("done")
	if !strings.Contains(buf.String(), `"status": "success"`) {
		t.Fatalf("unexpected: %q", buf.String())
	}

	var errOut bytes.Buffer
	w = New(FormatText, WithErrorOutput(&errOut))
	w.Error(errTest{})
	if !strings.Contains(errOut.String(), "boom") {
		t.Fatalf("unexpected: %q", errOut.String())
	}
}

type errTest struct{}

func (errTest) Error() string { return "boom" }
