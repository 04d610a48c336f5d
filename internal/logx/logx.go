// Package logx is a thin structured-logging wrapper around the standard
// library logger, generalizing the key/value logging helpers the signalling
// hub used to keep inline.
package logx

import (
	"fmt"
	"log"
	"sort"
	"strings"
)

// Fields is a set of key/value pairs attached to a log line.
type Fields map[string]interface{}

func Info(msg string, fields Fields) {
	log.Printf("[INFO] %s%s", msg, render(fields))
}

func Error(msg string, err error, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}
	if err != nil {
		fields["err"] = err.Error()
	}
	log.Printf("[ERROR] %s%s", msg, render(fields))
}

func Warn(msg string, fields Fields) {
	log.Printf("[WARN] %s%s", msg, render(fields))
}

func render(fields Fields) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " | " + strings.Join(parts, " ")
}
