package reporting

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"
	apireporting "github.com/tiger/election-night-sim/api/reporting"
	"gopkg.in/yaml.v3"
)

// Format is the serialization of a ReportingConfig document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForPath infers the document format from a file extension. JSON is the default.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

const schemaURL = "https://election-night-sim/schemas/reporting-config.schema.json"

//go:embed reporting-config.schema.json
var schemaDocument []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func documentSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaDocument)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// Decode parses a ReportingConfig document.
//
// Structural schema failures and invariant violations are both reported in
// the returned ValidationResult. The error is non-nil only when the document
// cannot be parsed into a config at all.
func Decode(raw []byte, format Format) (apireporting.ReportingConfig, apireporting.ValidationResult, error) {
	var result apireporting.ValidationResult

	data := raw
	if format == FormatYAML {
		converted, err := yamlToJSON(raw)
		if err != nil {
			return apireporting.ReportingConfig{}, result, err
		}
		data = converted
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return apireporting.ReportingConfig{}, result, fmt.Errorf("parse reporting config: %w", err)
	}
	schema, err := documentSchema()
	if err != nil {
		return apireporting.ReportingConfig{}, result, err
	}
	if err := schema.Validate(generic); err != nil {
		result.Merge(schemaIssues(err))
	}

	var cfg apireporting.ReportingConfig
	if err := strictUnmarshal(data, &cfg); err != nil {
		if !result.Valid() {
			// The schema issues already describe why the shape is unusable.
			return apireporting.ReportingConfig{}, result, nil
		}
		return apireporting.ReportingConfig{}, result, fmt.Errorf("decode reporting config: %w", err)
	}
	result.Merge(cfg.Validate())
	return cfg, result, nil
}

// Encode writes cfg as an indented JSON document.
func Encode(cfg apireporting.ReportingConfig) ([]byte, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode reporting config: %w", err)
	}
	return append(data, '\n'), nil
}

// Digest returns the sha256 of the RFC 8785 canonical JSON form of cfg.
func Digest(cfg apireporting.ReportingConfig) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal reporting config: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize reporting config: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func yamlToJSON(raw []byte) ([]byte, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("parse reporting config yaml: %w", err)
	}
	normalized, err := jsonCompatible(generic)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("convert reporting config yaml: %w", err)
	}
	return data, nil
}

// jsonCompatible rewrites yaml map[any]any nodes into map[string]any.
func jsonCompatible(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			converted, err := jsonCompatible(item)
			if err != nil {
				return nil, err
			}
			out[k] = converted
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("yaml key %v is not a string", k)
			}
			converted, err := jsonCompatible(item)
			if err != nil {
				return nil, err
			}
			out[key] = converted
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			converted, err := jsonCompatible(item)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	default:
		return v, nil
	}
}

func schemaIssues(err error) apireporting.ValidationResult {
	var result apireporting.ValidationResult
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		result.Add("", "%v", err)
		return result
	}
	for _, item := range ve.BasicOutput().Errors {
		if item.Error == "" || strings.HasPrefix(item.Error, "doesn't validate with") {
			continue
		}
		result.Add(pointerToPath(item.InstanceLocation), "%s", item.Error)
	}
	if result.Valid() {
		result.Add("", "%s", ve.Error())
	}
	return result
}

// pointerToPath turns "/groupRules/0/pattern" into "groupRules[0].pattern".
func pointerToPath(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return ""
	}
	var b strings.Builder
	for i, token := range strings.Split(pointer, "/") {
		token = strings.ReplaceAll(strings.ReplaceAll(token, "~1", "/"), "~0", "~")
		if _, err := strconv.Atoi(token); err == nil && i > 0 {
			b.WriteString("[" + token + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(token)
	}
	return b.String()
}

func strictUnmarshal(data []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		return fmt.Errorf("unexpected trailing JSON payload")
	}
	return nil
}
