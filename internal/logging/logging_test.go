package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLogErrorWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	Logger().SetOutput(&buf)
	t.Cleanup(func() { Logger().SetOutput(os.Stdout) })

	LogError("sales", "CreateSale", "insert header", map[string]string{"station": "st-1"}, errors.New("boom"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if entry["module"] != "sales" || entry["funcName"] != "CreateSale" || entry["msg"] != "boom" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestConfigureIgnoresUnknownLevel(t *testing.T) {
	Configure("debug")
	if Logger().GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level")
	}
	Configure("loud")
	if Logger().GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected level to stay debug")
	}
	Configure("info")
}
