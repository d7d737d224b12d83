package db

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Payload is the structured event data carried by a notification.
// Values are whatever encoding/json produces for an object: strings, float64,
// bool, nil, []any and nested map[string]any.
type Payload map[string]any

// Lookup resolves a dotted path such as "vehiculo.placa" or "items.0.nombre".
// Numeric segments index into arrays.
func (p Payload) Lookup(path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var cur any = map[string]any(p)
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case Payload:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// String renders the value at path as text. Missing paths and nulls render as "".
func (p Payload) String(path string) string {
	v, ok := p.Lookup(path)
	if !ok || v == nil {
		return ""
	}

	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// Fingerprint is the deterministic dedupe key for (clave, payload).
// encoding/json sorts map keys, so equal payloads hash equally.
func Fingerprint(clave string, p Payload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(clave))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}
