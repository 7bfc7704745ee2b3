package memory

import "strings"

// Keyword tables for working-context type inference. Precedence is fixed:
// file-related, then analysis-related, then conversation-related, then Fact.
var (
	fileHints         = []string{"file", "path", "dir", "directory", "module", "source", "code"}
	analysisHints     = []string{"analysis", "finding", "diagnosis", "review", "insight", "metric"}
	conversationHints = []string{"conversation", "chat", "message", "turn", "dialog", "reply"}
)

// InferType maps a working-context key to the most likely item type. It is a
// pure function of the key string.
func InferType(key string) ItemType {
	k := strings.ToLower(strings.TrimSpace(key))
	switch {
	case containsAny(k, fileHints):
		return TypeFileContext
	case containsAny(k, analysisHints):
		return TypeAnalysis
	case containsAny(k, conversationHints):
		return TypeConversation
	default:
		return TypeFact
	}
}

func containsAny(s string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}
