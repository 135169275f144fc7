package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Result keys as they appear on the wire
const (
	KeyQuery         = "query"
	KeyQueryAnalysis = "query_analysis_result"
	KeyRAGResults    = "rag_results"
	KeySolution      = "solution"
	KeyFinalSolution = "final_solution"
)

// Result holds stage outputs. Each field is one stage-output key; a nil
// field is absent. Documents encode absence as null so that an empty object
// still survives a round trip. Merge replaces whole fields, so peers are
// always kept and a repeated key is overwritten rather than deep-merged.
type Result struct {
	Query         *string     `json:"query,omitempty"`
	QueryAnalysis Document    `json:"query_analysis_result"`
	RAGResults    *RAGResults `json:"rag_results,omitempty"`
	Solution      Document    `json:"solution"`
	FinalSolution Document    `json:"final_solution"`
}

// RAGResults are the retrieval hits seeded by the rag, paper, or example stages
type RAGResults struct {
	Hits []Document `json:"hits"`
}

// Merge shallow-merges partial into r
func (r *Result) Merge(partial Result) {
	if partial.Query != nil {
		q := *partial.Query
		r.Query = &q
	}
	if partial.QueryAnalysis != nil {
		r.QueryAnalysis = partial.QueryAnalysis
	}
	if partial.RAGResults != nil {
		r.RAGResults = partial.RAGResults
	}
	if partial.Solution != nil {
		r.Solution = partial.Solution
	}
	if partial.FinalSolution != nil {
		r.FinalSolution = partial.FinalSolution
	}
}

// Keys lists the stage-output keys present, sorted
func (r Result) Keys() []string {
	var keys []string
	if r.Query != nil {
		keys = append(keys, KeyQuery)
	}
	if r.QueryAnalysis != nil {
		keys = append(keys, KeyQueryAnalysis)
	}
	if r.RAGResults != nil {
		keys = append(keys, KeyRAGResults)
	}
	if r.Solution != nil {
		keys = append(keys, KeySolution)
	}
	if r.FinalSolution != nil {
		keys = append(keys, KeyFinalSolution)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether the stage-output key is present
func (r Result) Has(key string) bool {
	for _, k := range r.Keys() {
		if k == key {
			return true
		}
	}
	return false
}

// Fields returns the present stage outputs keyed by wire name
func (r Result) Fields() map[string]any {
	fields := make(map[string]any, 5)
	if r.Query != nil {
		fields[KeyQuery] = *r.Query
	}
	if r.QueryAnalysis != nil {
		fields[KeyQueryAnalysis] = r.QueryAnalysis
	}
	if r.RAGResults != nil {
		fields[KeyRAGResults] = r.RAGResults
	}
	if r.Solution != nil {
		fields[KeySolution] = r.Solution
	}
	if r.FinalSolution != nil {
		fields[KeyFinalSolution] = r.FinalSolution
	}
	return fields
}

// QueryText returns the seed query or ""
func (r Result) QueryText() string {
	if r.Query == nil {
		return ""
	}
	return *r.Query
}

// Document is an arbitrary JSON object produced by an upstream capability
type Document map[string]any

// UnmarshalJSON accepts an object, or a string holding an object. Stored
// solutions have been observed in both shapes.
func (d *Document) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*d = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("document is not a JSON object: %w", err)
	}
	*d = m
	return nil
}

// String returns the string value at key, or "" when missing or not a string
func (d Document) String(key string) string {
	if v, ok := d[key].(string); ok {
		return v
	}
	return ""
}

// StringOr is String with a fallback
func (d Document) StringOr(key, fallback string) string {
	if v := d.String(key); v != "" {
		return v
	}
	return fallback
}

// Items returns the objects in the array at key. ok is false when the key
// is missing or not an array.
func (d Document) Items(key string) (items []Document, ok bool) {
	raw, ok := d[key].([]any)
	if !ok {
		if typed, typedOK := d[key].([]Document); typedOK {
			return typed, true
		}
		return nil, false
	}
	items = make([]Document, 0, len(raw))
	for _, it := range raw {
		switch v := it.(type) {
		case map[string]any:
			items = append(items, Document(v))
		case Document:
			items = append(items, v)
		}
	}
	return items, true
}

// Clone deep-copies d through JSON
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

var fencedJSON = regexp.MustCompile("```json\\s*([\\s\\S]*?)\\s*```")

// ParseLLMContent turns model output into a Document: the whole content
// as JSON, else the first ```json fenced block, else {"text": content}.
func ParseLLMContent(content string) Document {
	var doc Document
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), &doc); err == nil {
			return doc
		}
	}
	if m := fencedJSON.FindStringSubmatch(content); m != nil {
		var fenced Document
		if err := json.Unmarshal([]byte(m[1]), &fenced); err == nil && fenced != nil {
			return fenced
		}
	}
	return Document{"text": content}
}
