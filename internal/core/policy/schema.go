package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// documentSchema describes the shape of a carrier policy document. Value
// checks that need the error type (details, retry entries) happen after
// schema validation.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["ApnName", "ErrorTypes"],
    "properties": {
      "ApnName": {"type": "string", "minLength": 1},
      "ErrorTypes": {
        "type": "array",
        "items": {
          "type": "object",
          "required": ["ErrorType", "ErrorDetails", "RetryArray"],
          "properties": {
            "ErrorType": {"enum": ["IKE_PROTOCOL_ERROR_TYPE", "GENERIC_ERROR_TYPE", "*"]},
            "ErrorDetails": {"type": "array", "minItems": 1, "items": {"type": "string"}},
            "RetryArray": {"type": "array", "minItems": 1, "items": {"type": "string"}},
            "UnthrottlingEvents": {"type": "array", "items": {"type": "string"}},
            "NumAttemptsPerFqdn": {"type": "string", "pattern": "^\\s*[0-9]+\\s*$"},
            "HandoverAttemptCount": {"type": "string", "pattern": "^\\s*[0-9]+\\s*$"}
          }
        }
      }
    }
  }
}`

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
})

func validateSchema(data []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile policy schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidDocument, strings.Join(msgs, "; "))
}
