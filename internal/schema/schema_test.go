package schema_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/basket/taskboard/internal/schema"
)

const itemSchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"count": {"type": "integer", "minimum": 0}
	}
}`

func TestValidator_Decode(t *testing.T) {
	v := schema.MustCompile("item.json", itemSchema)

	var out struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	if err := v.Decode([]byte(`{"name":"a","count":3}`), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Name != "a" || out.Count != 3 {
		t.Fatalf("unexpected decode %+v", out)
	}
}

func TestValidator_RejectsInvalid(t *testing.T) {
	v := schema.MustCompile("item.json", itemSchema)

	cases := map[string]string{
		"missing required": `{}`,
		"empty name":       `{"name":""}`,
		"fractional count": `{"name":"a","count":1.5}`,
		"negative count":   `{"name":"a","count":-1}`,
		"malformed":        `{"name":`,
	}
	for name, body := range cases {
		err := v.Validate([]byte(body))
		var verr *schema.Error
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected *schema.Error, got %v", name, err)
		}
		if strings.TrimSpace(verr.Message) == "" {
			t.Fatalf("%s: expected a message", name)
		}
	}
}

func TestValidator_EmptyBodyIsEmptyObject(t *testing.T) {
	v := schema.MustCompile("open.json", `{"type":"object"}`)
	if err := v.Validate(nil); err != nil {
		t.Fatalf("empty body should validate as {}: %v", err)
	}
}

func TestCompile_BadSchema(t *testing.T) {
	if _, err := schema.Compile("bad.json", `{"type": 12}`); err == nil {
		t.Fatal("expected compile error")
	}
}
