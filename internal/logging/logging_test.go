package logging_test

import (
	"os"
	"testing"

	"github.com/abhiaagarwal/moonshine-go/internal/logging"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]logging.Level{
		"debug": logging.LevelDebug,
		"INFO":  logging.LevelInfo,
		"warn":  logging.LevelWarn,
		"ERROR": logging.LevelError,
		"":      logging.LevelInfo,
	}
	for in, want := range cases {
		got, err := logging.ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %q, want %q", in, got, want)
		}
	}

	if _, err := logging.ParseLevel("bogus"); err == nil {
		t.Error("ParseLevel(\"bogus\") should error")
	}
}

func TestNewWritesToFile(t *testing.T) {
	path := t.TempDir() + "/out.log"
	cfg := logging.NewConfig()
	cfg.OutputFile = path
	cfg.Format = logging.FormatJSON

	log, err := logging.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("hello", "key", "value")
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected log file to contain data")
	}
}

func TestFlagsToConfig(t *testing.T) {
	f := &logging.Flags{Level: "debug", Format: "json", File: ""}
	cfg, err := f.ToConfig()
	if err != nil {
		t.Fatalf("ToConfig: %v", err)
	}
	if cfg.Level != logging.LevelDebug {
		t.Errorf("Level = %q, want debug", cfg.Level)
	}
	if cfg.Format != logging.FormatJSON {
		t.Errorf("Format = %q, want json", cfg.Format)
	}
}
