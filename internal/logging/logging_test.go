package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNew_Level(t *testing.T) {
	if got := New(Options{Level: "debug"}).GetLevel(); got != logrus.DebugLevel {
		t.Errorf("level = %s", got)
	}
	if got := New(Options{Level: "loud"}).GetLevel(); got != logrus.InfoLevel {
		t.Errorf("unknown level should fall back to info, got %s", got)
	}
}

func TestNew_Format(t *testing.T) {
	if _, ok := New(Options{}).Formatter.(*logrus.JSONFormatter); !ok {
		t.Error("default formatter should be JSON")
	}
	if _, ok := New(Options{Format: "TEXT"}).Formatter.(*logrus.TextFormatter); !ok {
		t.Error("text format not applied")
	}
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cards.log")
	logger := New(Options{Level: "info", File: path})
	logger.WithField("card_id", 42).Info("Card issued")

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"card_id":42`) {
		t.Errorf("log file content = %s", raw)
	}
}
