package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	u "github.com/gofrs/uuid/v5"

	"github.com/and161185/fieldsync/internal/model"
)

// buildPayload merges a JSON object with field=value arguments; fields win.
// data is inline JSON, @path to read a file, or @- for stdin.
func buildPayload(data string, fields []string) (model.Payload, error) {
	p := model.Payload{}
	if data != "" {
		raw := []byte(data)
		if strings.HasPrefix(data, "@") {
			b, err := readAll(data[1:])
			if err != nil {
				return nil, err
			}
			raw = b
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("--data must be a JSON object: %w", err)
		}
	}
	for _, f := range fields {
		k, v, err := parseField(f)
		if err != nil {
			return nil, err
		}
		p[k] = v
	}
	if len(p) == 0 {
		return nil, nil
	}
	return p, nil
}

// parseField splits key=value. A value that is valid JSON (number, bool,
// null, object, array, quoted string) is decoded; anything else stays a string.
func parseField(s string) (string, any, error) {
	k, raw, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return "", nil, fmt.Errorf("want field=value, got %q", s)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return k, raw, nil
	}
	return k, v, nil
}

// parseResolutions reads operation_id=choice pairs.
func parseResolutions(args []string) ([]string, []model.ResolutionChoice, error) {
	ids := make([]string, 0, len(args))
	choices := make([]model.ResolutionChoice, 0, len(args))
	for _, a := range args {
		id, c, ok := strings.Cut(a, "=")
		choice := model.ResolutionChoice(c)
		if !ok || id == "" || !choice.Valid() {
			return nil, nil, fmt.Errorf("want operation_id=keep_local|keep_remote|merge, got %q", a)
		}
		ids = append(ids, id)
		choices = append(choices, choice)
	}
	return ids, choices, nil
}

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func autoUUID(id *string) {
	if *id == "" {
		v, _ := u.NewV4()
		*id = v.String()
	}
}
