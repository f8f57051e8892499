package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const maxLineLen = 4000

var errNotJSON = errors.New("logx: not a JSON log line")

// FormatLine renders one zerolog JSON event as a single readable line:
//
//	<time> <LEVEL> <caller> <message> k=v k=v
//
// Extra fields are sorted by key. Multi-line values are folded.
func FormatLine(p []byte) (string, error) {
	p = bytesTrimSpace(p)
	if len(p) == 0 || p[0] != '{' {
		return "", errNotJSON
	}
	dec := json.NewDecoder(bytes.NewReader(p))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return "", err
	}

	str := func(k string) string {
		s, _ := m[k].(string)
		return s
	}
	msg := str("message")
	if msg == "" {
		msg = str("msg")
	}

	var b strings.Builder
	if ts := str("time"); ts != "" {
		b.WriteString(ts)
		b.WriteByte(' ')
	}
	if lvl := str("level"); lvl != "" {
		b.WriteString(strings.ToUpper(lvl))
		b.WriteByte(' ')
	}
	if c := str("caller"); c != "" {
		b.WriteString(c)
		b.WriteByte(' ')
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "msg", "caller", localFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			v = truncate(v, 900)
		} else {
			v = truncate(v, 600)
		}
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.ReplaceAll(v, "\n", " | "))
	}
	return truncate(b.String(), maxLineLen), nil
}

// isLocal reports whether a JSON event carries the Local() marker.
func isLocal(p []byte) bool {
	return bytes.Contains(p, []byte(`"`+localFieldName+`":true`))
}

func bytesTrimSpace(b []byte) []byte {
	i := 0
	j := len(b)
	for i < j && (b[i] == ' ' || b[i] == '\n' || b[i] == '\r' || b[i] == '\t') {
		i++
	}
	for j > i && (b[j-1] == ' ' || b[j-1] == '\n' || b[j-1] == '\r' || b[j-1] == '\t') {
		j--
	}
	return b[i:j]
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
