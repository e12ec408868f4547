// Package stream turns the raw body of an agent response into visible text.
//
// The agent may answer in several line shapes: SSE "data:" lines, indexed
// quoted tokens such as `0:"Hello"`, bare JSON strings, JSON objects carrying a
// delta/content/text field, or chat-completion chunks with a choices array.
// Every complete line is run through an ordered chain of strategies and the
// first one that matches decides what the line contributes. Lines nothing
// recognizes are dropped; the decoder never fails.
package stream

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind tags which strategy handled a line.
type Kind int

const (
	KindBlank Kind = iota
	KindMeta
	KindQuotedToken
	KindJSONScalar
	KindJSONObjectField
	KindChoicesDelta
	KindUnrecognized
)

func (k Kind) String() string {
	switch k {
	case KindBlank:
		return "blank"
	case KindMeta:
		return "meta"
	case KindQuotedToken:
		return "quoted_token"
	case KindJSONScalar:
		return "json_scalar"
	case KindJSONObjectField:
		return "json_object_field"
	case KindChoicesDelta:
		return "choices_delta"
	default:
		return "unrecognized"
	}
}

var (
	metaLine    = regexp.MustCompile(`^[A-Za-z]\s*:`)
	quotedToken = regexp.MustCompile(`(?s)^\d+\s*:\s*(".*")$`)
)

// objectFields are probed in order on JSON object lines.
var objectFields = []string{"delta", "content", "text", "message.content"}

var choicesFields = []string{"choices.0.delta.content", "choices.0.delta.text"}

type strategy struct {
	kind  Kind
	match func(line string) (token string, ok bool)
}

var strategies = []strategy{
	{KindMeta, matchMeta},
	{KindQuotedToken, matchQuotedToken},
	{KindJSONScalar, matchJSONScalar},
	{KindJSONObjectField, matchObjectField},
	{KindChoicesDelta, matchChoicesDelta},
}

func matchMeta(line string) (string, bool) {
	return "", metaLine.MatchString(line)
}

func matchQuotedToken(line string) (string, bool) {
	m := quotedToken.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return jsonString(m[1])
}

func matchJSONScalar(line string) (string, bool) {
	return jsonString(line)
}

func matchObjectField(line string) (string, bool) {
	return firstString(line, objectFields)
}

func matchChoicesDelta(line string) (string, bool) {
	return firstString(line, choicesFields)
}

func jsonString(raw string) (string, bool) {
	if !gjson.Valid(raw) {
		return "", false
	}
	r := gjson.Parse(raw)
	if r.Type != gjson.String {
		return "", false
	}
	return r.Str, true
}

func firstString(raw string, paths []string) (string, bool) {
	if !gjson.Valid(raw) {
		return "", false
	}
	r := gjson.Parse(raw)
	if !r.IsObject() {
		return "", false
	}
	for _, path := range paths {
		if v := r.Get(path); v.Type == gjson.String {
			return v.Str, true
		}
	}
	return "", false
}

// Classify decodes a single complete line.
func Classify(line string) (Kind, string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return KindBlank, ""
	}
	if rest, ok := strings.CutPrefix(line, "data:"); ok {
		line = strings.TrimSpace(rest)
	}

	for _, s := range strategies {
		if token, ok := s.match(line); ok {
			return s.kind, token
		}
	}
	return KindUnrecognized, ""
}

// Decoder is an incremental line decoder. It is not safe for concurrent use.
type Decoder struct {
	carry strings.Builder
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes the next chunk of the body and returns the text its complete
// lines contribute, or "" if none. A trailing partial line is held back until
// a later chunk completes it.
func (d *Decoder) Feed(chunk string) string {
	if chunk == "" {
		return ""
	}
	d.carry.WriteString(chunk)
	buffered := d.carry.String()

	idx := strings.LastIndexByte(buffered, '\n')
	if idx < 0 {
		return ""
	}
	complete, rest := buffered[:idx], buffered[idx+1:]
	d.carry.Reset()
	d.carry.WriteString(rest)

	var out strings.Builder
	for _, line := range strings.Split(complete, "\n") {
		_, token := Classify(line)
		out.WriteString(token)
	}
	return out.String()
}

// Flush decodes whatever partial line is still buffered once the body is exhausted.
func (d *Decoder) Flush() string {
	rest := d.carry.String()
	d.carry.Reset()
	_, token := Classify(rest)
	return token
}
