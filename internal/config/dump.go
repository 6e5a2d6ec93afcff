package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

const redacted = "[REDACTED]"

// FlagsFileName is the record of the run configuration kept in the train dir.
const FlagsFileName = "flags.json"

// Redacted returns a copy with credentials removed, suitable for logging and
// for the flags.json record.
func (c RunConfig) Redacted() RunConfig {
	out := c
	if out.S3.SecretAccessKey != "" {
		out.S3.SecretAccessKey = redacted
	}
	if out.S3.AccessKeyID != "" {
		out.S3.AccessKeyID = redacted
	}
	out.RecordsDSN = RedactDSN(out.RecordsDSN)
	return out
}

// WriteFlagsJSON saves a record of the configuration as dir/flags.json.
func WriteFlagsJSON(dir string, c RunConfig) (string, error) {
	payload, err := json.MarshalIndent(c.Redacted(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal flags: %w", err)
	}
	path := filepath.Join(dir, FlagsFileName)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("write flags: %w", err)
	}
	return path, nil
}

// RedactDSN hides the password component of a connection string.
func RedactDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); !ok {
		return dsn
	}
	u.User = url.UserPassword(u.User.Username(), "xxxxx")
	return u.String()
}
