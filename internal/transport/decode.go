package transport

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// maxBodyBytes bounds decoded request bodies.
const maxBodyBytes = 1 << 20

// DecodeRequest collects the query string and the body into one field map.
// Form keys use bracket notation: "ids[]=1&ids[]=2" becomes a list and
// "macros[0][macro]=x" becomes nested maps. JSON object bodies are merged
// over the query as-is.
func DecodeRequest(r *http.Request) (map[string]any, error) {
	fields, err := decodeValues(r.URL.Query())
	if err != nil {
		return nil, err
	}
	if r.Method != http.MethodPost || r.Body == nil {
		return fields, nil
	}

	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decode json body: %w", err)
		}
		for k, v := range body {
			fields[k] = v
		}
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			return nil, fmt.Errorf("parse multipart form: %w", err)
		}
		if err := mergeValues(fields, r.PostForm); err != nil {
			return nil, err
		}
	default:
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("parse form: %w", err)
		}
		if err := mergeValues(fields, r.PostForm); err != nil {
			return nil, err
		}
	}
	return fields, nil
}

func decodeValues(values url.Values) (map[string]any, error) {
	out := make(map[string]any, len(values))
	if err := mergeValues(out, values); err != nil {
		return nil, err
	}
	return out, nil
}

// mergeValues sets every key of values into dst. Keys are applied in sorted
// order so conflicts are reported deterministically.
func mergeValues(dst map[string]any, values url.Values) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := setPath(dst, k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

// splitKey turns "a[b][]" into ["a", "b", ""].
func splitKey(key string) ([]string, error) {
	open := strings.IndexByte(key, '[')
	if open < 0 {
		return []string{key}, nil
	}
	if open == 0 {
		return nil, fmt.Errorf("malformed field %q", key)
	}
	path := []string{key[:open]}
	rest := key[open:]
	for rest != "" {
		if rest[0] != '[' {
			return nil, fmt.Errorf("malformed field %q", key)
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return nil, fmt.Errorf("malformed field %q", key)
		}
		path = append(path, rest[1:end])
		rest = rest[end+1:]
	}
	for i, seg := range path[1:] {
		if seg == "" && i != len(path)-2 {
			return nil, fmt.Errorf("malformed field %q: [] must be last", key)
		}
	}
	return path, nil
}

func setPath(dst map[string]any, key string, values []string) error {
	path, err := splitKey(key)
	if err != nil {
		return err
	}
	if path[len(path)-1] == "" {
		return appendList(dst, path[:len(path)-1], values, key)
	}

	node, err := walk(dst, path[:len(path)-1], key)
	if err != nil {
		return err
	}
	last := path[len(path)-1]
	switch node[last].(type) {
	case map[string]any, []any:
		return fmt.Errorf("field %q conflicts with an earlier value", key)
	}
	if len(values) == 0 {
		node[last] = ""
		return nil
	}
	node[last] = values[len(values)-1]
	return nil
}

func appendList(dst map[string]any, path []string, values []string, key string) error {
	node, err := walk(dst, path[:len(path)-1], key)
	if err != nil {
		return err
	}
	name := path[len(path)-1]
	var list []any
	switch existing := node[name].(type) {
	case nil:
	case []any:
		list = existing
	default:
		return fmt.Errorf("field %q conflicts with an earlier value", key)
	}
	for _, v := range values {
		list = append(list, v)
	}
	node[name] = list
	return nil
}

// walk descends dst along path, creating maps as needed.
func walk(dst map[string]any, path []string, key string) (map[string]any, error) {
	node := dst
	for _, seg := range path {
		switch next := node[seg].(type) {
		case nil:
			child := map[string]any{}
			node[seg] = child
			node = child
		case map[string]any:
			node = next
		default:
			return nil, fmt.Errorf("field %q conflicts with an earlier value", key)
		}
	}
	return node, nil
}
