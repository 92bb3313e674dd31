// Package compose renders a task definition and a caller's inputs into a
// single self-contained Python script.
//
// Inputs never reach the script as source text. They are JSON-encoded, the
// JSON is embedded as one escaped string literal, and the script decodes it
// at startup:
//
//	import json
//
//	inputs = json.loads("{\"name\":\"O'Brien\\n\"}")
//
// The json module remains imported for the task body. The literal contains
// only printable ASCII, so no input can close the string or start a new
// statement.
package compose

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dontdude/goenact/internal/domain"
)

// InputsVariable is the name scripts read their inputs from.
const InputsVariable = "inputs"

// SelectPayload returns the first payload, in declared order, targeting the
// python interpreter family.
func SelectPayload(task *domain.TaskDefinition) (domain.Payload, error) {
	for _, p := range task.Tasks {
		if strings.EqualFold(strings.TrimSpace(p.Language), domain.LanguagePython) {
			return p, nil
		}
	}
	return domain.Payload{}, fmt.Errorf("%w: task %q has no %s payload", domain.ErrNoExecutablePayload, task.ID, domain.LanguagePython)
}

// ResolveInputs returns a copy of inputs with declared defaults filled in
// for every input the caller omitted.
func ResolveInputs(task *domain.TaskDefinition, inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs)+len(task.Inputs))
	for name, spec := range task.Inputs {
		if spec.Default != nil {
			out[name] = spec.Default
		}
	}
	for k, v := range inputs {
		out[k] = v
	}
	return out
}

// Compose builds the script for task with inputs. It performs no I/O and is
// deterministic: equal arguments yield byte-identical scripts.
func Compose(task *domain.TaskDefinition, inputs map[string]any) (domain.Script, error) {
	if task == nil {
		return domain.Script{}, fmt.Errorf("%w: nil task", domain.ErrInvalidTask)
	}
	payload, err := SelectPayload(task)
	if err != nil {
		return domain.Script{}, err
	}

	encoded, err := EncodeInputs(ResolveInputs(task, inputs))
	if err != nil {
		return domain.Script{}, err
	}

	var b strings.Builder
	b.WriteString("import json\n\n")
	b.WriteString(InputsVariable)
	b.WriteString(" = json.loads(")
	b.WriteString(encoded)
	b.WriteString(")\n\n")
	b.WriteString(payload.Code)
	if !strings.HasSuffix(payload.Code, "\n") {
		b.WriteByte('\n')
	}

	return domain.Script{
		TaskID:    task.ID,
		PayloadID: payload.ID,
		Body:      b.String(),
	}, nil
}

// DecodeInputs parses a JSON object of caller inputs. Numbers stay
// json.Number, so integers beyond float64 precision reach the script with
// their exact digits.
func DecodeInputs(data []byte) (map[string]any, error) {
	var inputs map[string]any
	if err := DecodeJSON(data, &inputs); err != nil {
		return nil, err
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	return inputs, nil
}

// DecodeJSON decodes exactly one JSON value into v, keeping numbers as
// json.Number.
func DecodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("unexpected data after JSON value")
	}
	return nil
}

// EncodeInputs returns inputs as a Python string literal holding their JSON
// encoding. Map keys are sorted by encoding/json.
func EncodeInputs(inputs map[string]any) (string, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(inputs); err != nil {
		return "", fmt.Errorf("encoding inputs: %w", err)
	}
	return PythonString(strings.TrimRight(buf.String(), "\n")), nil
}

// PythonString quotes s as a double-quoted Python string literal using only
// printable ASCII.
func PythonString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == '"':
			b.WriteString(`\"`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\x%02x`, r)
		case r < 0x7f:
			b.WriteRune(r)
		case r <= 0xffff:
			fmt.Fprintf(&b, `\u%04x`, r)
		default:
			fmt.Fprintf(&b, `\U%08x`, r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
