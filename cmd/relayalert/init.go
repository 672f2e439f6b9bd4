package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/relayalert/examples"
)

// runInit writes an example config.yaml and env file template into dir.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing relayalert in %s\n", dir)

	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	files := []struct {
		name    string
		content []byte
	}{
		{"config.yaml", examples.ConfigYAML},
		{"relayalert.env.example", examples.EnvExample},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		wrote, err := writeIfMissing(path, f.content)
		if err != nil {
			return err
		}
		if wrote {
			fmt.Fprintf(w, "  ✓ %s\n", path)
		} else {
			fmt.Fprintf(w, "  - %s (exists, skipped)\n", path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Copy relayalert.env.example to relayalert.env, fill in the Twilio")
	fmt.Fprintln(w, "credentials, and uncomment env_file in config.yaml.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist. Files are created 0600 because both can hold secrets.
func writeIfMissing(path string, content []byte) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, f.Close()
}
