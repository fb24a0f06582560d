package workspace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"wsync/internal/vcs"
)

// Reserved top-level keys in a resource file. Everything else is body.
const (
	keyID   = "_id"
	keyType = "_type"
	keyName = "name"
)

// Supported resource file extensions.
const (
	extYAML = ".yaml"
	extYML  = ".yml"
	extJSON = ".json"
)

func isResourceFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case extYAML, extYML, extJSON:
		return true
	}
	return false
}

// DecodeFile parses a resource file. The format is chosen by extension. A missing
// _type falls back to defaultType and a missing _id to the file name stem.
func DecodeFile(name string, data []byte, defaultType string) (*vcs.Resource, error) {
	var doc map[string]any
	switch strings.ToLower(filepath.Ext(name)) {
	case extJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
	case extYAML, extYML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
	default:
		return nil, fmt.Errorf("unsupported resource file %s", name)
	}
	if doc == nil {
		return nil, fmt.Errorf("parsing %s: empty document", name)
	}

	normalized, err := normalize(doc)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}
	doc = normalized.(map[string]any)

	r := &vcs.Resource{Type: defaultType}
	if v, ok := doc[keyID]; ok {
		r.ID = fmt.Sprint(v)
	} else {
		r.ID = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}
	if v, ok := doc[keyType]; ok {
		r.Type = fmt.Sprint(v)
	}
	if v, ok := doc[keyName]; ok {
		r.Name = fmt.Sprint(v)
	}
	delete(doc, keyID)
	delete(doc, keyType)
	delete(doc, keyName)
	if len(doc) > 0 {
		r.Body = doc
	}
	if r.ID == "" || r.Type == "" {
		return nil, fmt.Errorf("parsing %s: resource needs an id and a type", name)
	}
	return r, nil
}

// EncodeFile renders r in the format implied by ext (YAML unless ext is .json).
func EncodeFile(r *vcs.Resource, ext string) ([]byte, error) {
	doc := make(map[string]any, len(r.Body)+3)
	for k, v := range r.Body {
		doc[k] = v
	}
	doc[keyID] = r.ID
	doc[keyType] = r.Type
	if r.Name != "" {
		doc[keyName] = r.Name
	}

	normalized, err := normalize(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", r.ID, err)
	}

	if strings.ToLower(ext) == extJSON {
		data, err := json.MarshalIndent(normalized, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", r.ID, err)
		}
		return append(data, '\n'), nil
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", r.ID, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", r.ID, err)
	}
	return buf.Bytes(), nil
}

// normalize converts decoded values into the JSON data model so YAML and JSON files
// with the same content hash identically: string-keyed maps, int64/float64 numbers,
// and timestamps as RFC 3339 strings.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t)
		}
		return f, nil
	case int:
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return float64(t), nil
		}
		return int64(t), nil
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t), nil
		}
		return t, nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	default:
		return v, nil
	}
}
