package tools

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEntry is one NDJSON line describing an external tool run.
type AuditEntry struct {
	TS          string   `json:"ts"`
	Tool        string   `json:"tool"`
	Argv        []string `json:"argv"`
	CWD         string   `json:"cwd"`
	Exit        int      `json:"exit"`
	MS          int64    `json:"ms"`
	StdoutBytes int      `json:"stdoutBytes"`
	StderrBytes int      `json:"stderrBytes"`
	EnvKeys     []string `json:"envKeys,omitempty"`
	Event       string   `json:"event,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Auditor appends entries to Dir/YYYYMMDD.log. A nil Auditor or an empty
// Dir discards entries.
type Auditor struct {
	Dir    string
	Redact *Redactor

	mu  sync.Mutex
	now func() time.Time
}

// NewAuditor returns an auditor writing under dir.
func NewAuditor(dir string, redact *Redactor) *Auditor {
	return &Auditor{Dir: dir, Redact: redact, now: time.Now}
}

func (a *Auditor) clock() time.Time {
	if a.now == nil {
		return time.Now()
	}
	return a.now()
}

// Append writes e as one line, redacting argv and cwd.
func (a *Auditor) Append(e AuditEntry) error {
	if a == nil || a.Dir == "" {
		return nil
	}
	now := a.clock().UTC()
	if e.TS == "" {
		e.TS = now.Format(time.RFC3339Nano)
	}
	e.Argv = a.Redact.Strings(e.Argv)
	e.CWD = a.Redact.String(e.CWD)
	e.Error = a.Redact.String(e.Error)
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(a.Dir, now.Format("20060102")+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck
	_, err = f.Write(append(b, '\n'))
	return err
}
