// Package chatlog appends and reloads per-conversation chat history.
//
// The format is one line per message:
//
//	[2024-05-01T14:03:22Z] alice: hello there
//
// Loading re-parses exactly that shape and silently skips anything that
// does not match, so a corrupted line never poisons the rest of the file.
package chatlog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Entry is one parsed chat log line.
type Entry struct {
	Timestamp time.Time
	Sender    string
	Text      string
}

// lineRe matches "[timestamp] sender: text".
var lineRe = regexp.MustCompile(`^\[(.*?)\]\s+(.*?):\s+(.*)$`)

// unsafeChars are stripped from conversation ids before they become file
// names; mesh ids carry a leading '!' that filesystems dislike.
var unsafeChars = regexp.MustCompile(`[\\/*?:"<>|!]`)

// Logger writes append-only conversation logs under one directory.
// A zero-value Logger (no directory) disables logging entirely.
type Logger struct {
	dir     string
	enabled bool
}

// New creates a logger rooted at dir. Logging is enabled only when enabled
// is true and dir is non-empty.
func New(dir string, enabled bool) *Logger {
	return &Logger{dir: dir, enabled: enabled && dir != ""}
}

// Enabled reports whether appends will be written.
func (l *Logger) Enabled() bool { return l.enabled }

// Path returns the log file path for a conversation id.
func (l *Logger) Path(conversationID string) string {
	safe := unsafeChars.ReplaceAllString(conversationID, "_")
	return filepath.Join(l.dir, safe+".log")
}

// Append writes one message line. A disabled logger is a no-op. Write
// failures are logged and swallowed; chat history is best-effort.
func (l *Logger) Append(conversationID, sender, text string, ts time.Time) {
	if !l.enabled || conversationID == "" {
		return
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Append",
			"dir":      l.dir,
			"error":    err,
		}).Error("Cannot create chat log directory")
		return
	}

	line := fmt.Sprintf("[%s] %s: %s\n", ts.Format(time.RFC3339), sender, sanitizeText(text))
	path := l.Path(conversationID)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Append",
			"path":     path,
			"error":    err,
		}).Error("Cannot open chat log")
		return
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Append",
			"path":     path,
			"error":    err,
		}).Error("Chat log write failed")
	}
}

// Load re-parses a conversation's history. A missing file yields an empty
// slice; unparseable lines are skipped.
func (l *Logger) Load(conversationID string) []Entry {
	if !l.enabled {
		return nil
	}
	path := l.Path(conversationID)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logrus.WithFields(logrus.Fields{
				"function": "Load",
				"path":     path,
				"error":    err,
			}).Warn("Cannot read chat log")
		}
		return nil
	}

	var entries []Entry
	skipped := 0
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		m := lineRe.FindStringSubmatch(line)
		if m == nil {
			skipped++
			continue
		}
		ts, err := time.Parse(time.RFC3339, m[1])
		if err != nil {
			skipped++
			continue
		}
		entries = append(entries, Entry{Timestamp: ts, Sender: m[2], Text: m[3]})
	}

	if skipped > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"path":     path,
			"skipped":  skipped,
		}).Warn("Skipped unparseable chat log lines")
	}
	return entries
}

// sanitizeText keeps every message on a single log line.
func sanitizeText(text string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(text)
}
