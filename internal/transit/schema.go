package transit

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const instructionDocumentVersion = 1

// InstructionDocument is what a sealed instruction set opens to.
type InstructionDocument struct {
	Version     int       `json:"version"`
	Issuer      string    `json:"issuer"`
	Recipient   string    `json:"recipient"`
	File        FileRef   `json:"file"`
	Name        string    `json:"name,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	Size        int64     `json:"size"`
	IssuedAt    time.Time `json:"issuedAt"`
}

func NewInstructionDocument(issuer string, header FileHeader, recipient string, now time.Time) InstructionDocument {
	return InstructionDocument{
		Version:     instructionDocumentVersion,
		Issuer:      issuer,
		Recipient:   recipient,
		File:        header.File,
		Name:        header.Name,
		ContentType: header.ContentType,
		Size:        header.Size,
		IssuedAt:    now.UTC(),
	}
}

const (
	instructionSchemaURL = "https://schemas.peertransit.local/instruction-document.json"
	envelopeSchemaURL    = "https://schemas.peertransit.local/envelope.json"
)

const instructionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "issuer", "recipient", "file", "issuedAt"],
  "properties": {
    "version": {"const": 1},
    "issuer": {"type": "string", "minLength": 1},
    "recipient": {"type": "string", "minLength": 1},
    "file": {
      "type": "object",
      "required": ["driveId", "fileId"],
      "properties": {
        "driveId": {"type": "string", "minLength": 1},
        "fileId": {"type": "string", "minLength": 1}
      }
    },
    "name": {"type": "string"},
    "contentType": {"type": "string"},
    "size": {"type": "integer", "minimum": 0},
    "issuedAt": {"type": "string", "minLength": 1}
  }
}`

const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["sender", "targetDrive", "instructionType", "instructionSet", "globalTransitId"],
  "properties": {
    "sender": {"type": "string", "minLength": 1},
    "targetDrive": {"type": "string", "minLength": 1},
    "fileSystemType": {"enum": ["", "standard", "comment"]},
    "instructionType": {"enum": ["save", "update", "delete"]},
    "instructionSet": {"type": "string", "minLength": 1},
    "header": {"type": "object"},
    "payload": {"type": ["string", "null"]},
    "globalTransitId": {"type": "string", "minLength": 1},
    "correlationId": {"type": "string"},
    "priority": {"type": "integer"}
  }
}`

type schemaSet struct {
	instruction *jsonschema.Schema
	envelope    *jsonschema.Schema
}

var (
	schemaOnce sync.Once
	schemas    schemaSet
	schemaErr  error
)

func loadSchemas() (schemaSet, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		for url, src := range map[string]string{
			instructionSchemaURL: instructionSchema,
			envelopeSchemaURL:    envelopeSchema,
		} {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				schemaErr = err
				return
			}
			if err := c.AddResource(url, doc); err != nil {
				schemaErr = err
				return
			}
		}
		if schemas.instruction, schemaErr = c.Compile(instructionSchemaURL); schemaErr != nil {
			return
		}
		schemas.envelope, schemaErr = c.Compile(envelopeSchemaURL)
	})
	return schemas, schemaErr
}

func validateJSON(schema *jsonschema.Schema, raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}

// ValidateInstructionDocument checks a decrypted instruction set.
func ValidateInstructionDocument(raw []byte) error {
	set, err := loadSchemas()
	if err != nil {
		return fmt.Errorf("compile schemas: %w", err)
	}
	return validateJSON(set.instruction, raw)
}

// ValidateEnvelope checks the JSON body a peer posted before it is decoded.
func ValidateEnvelope(raw []byte) error {
	set, err := loadSchemas()
	if err != nil {
		return fmt.Errorf("compile schemas: %w", err)
	}
	if err := validateJSON(set.envelope, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
