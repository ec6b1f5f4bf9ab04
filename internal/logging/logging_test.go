package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestJSONFormatCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(&buf, "debug", "json")
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	logger.WithField("item_id", "abc").Debug("popped")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json line, got %q", buf.String())
	}
	if line["item_id"] != "abc" || line["msg"] != "popped" {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestDefaultsAndValidation(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(&buf, "", "")
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	if logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level, got %s", logger.GetLevel())
	}
	logger.Debug("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("expected debug to be filtered at info")
	}
	if _, err := NewWithOutput(&buf, "loud", "text"); err == nil {
		t.Fatalf("expected invalid level to fail")
	}
	if _, err := NewWithOutput(&buf, "info", "xml"); err == nil {
		t.Fatalf("expected invalid format to fail")
	}
}
