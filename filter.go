package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/gobwas/glob"
)

// defaultSuppressedMethods returns the connection-lifecycle notifications
// the remote transport emits for its own bookkeeping. They have no
// equivalent in the local stdio protocol and would desynchronize a peer
// expecting a strict JSON-RPC stream.
func defaultSuppressedMethods() []string {
	return []string{
		"connection/ready",
		"server/capabilities",
	}
}

// suppressor decides which remote notifications stay inside the transport.
// Patterns are glob expressions with '/' as the separator, so the built-in
// literals match exactly while user-supplied patterns like "transport/*"
// can cover whole method families.
type suppressor struct {
	globs []glob.Glob
}

func newSuppressor(patterns []string) (*suppressor, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		compiled, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("compile suppression pattern %q: %w", pattern, err)
		}
		globs = append(globs, compiled)
	}
	return &suppressor{globs: globs}, nil
}

// match reports whether the payload is a suppressed notification, and if so
// which method matched. Payloads that are not valid JSON or carry no method
// are never suppressed; the bridge fails open and forwards them.
func (s *suppressor) match(data string) (string, bool) {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal([]byte(data), &probe); err != nil {
		return "", false
	}
	if probe.Method == "" {
		return "", false
	}
	for _, g := range s.globs {
		if g.Match(probe.Method) {
			return probe.Method, true
		}
	}
	return "", false
}
