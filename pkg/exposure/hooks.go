package exposure

import "strings"

// GlobalShellHooks are the interactive-shell init files the managed block
// gets upserted into, so every login shell (not just profile.d-aware ones)
// picks up the exposure table.
var GlobalShellHooks = []string{"/etc/profile", "/etc/bash.bashrc"}

const (
	blockBegin = "# BEGIN portacode-exposed-services (managed, do not edit)"
	blockEnd   = "# END portacode-exposed-services"
)

// UpsertManagedBlock strips any previously-inserted block delimited by
// blockBegin/blockEnd out of current, then appends a fresh block sourcing
// EnvPath, so repeated runs are idempotent.
func UpsertManagedBlock(current []byte) []byte {
	stripped := stripManagedBlock(string(current))
	block := "\n" + blockBegin + "\n" +
		"if [ -r \"" + EnvPath + "\" ]; then\n" +
		"  set -a\n" +
		"  . \"" + EnvPath + "\"\n" +
		"  set +a\n" +
		"fi\n" +
		blockEnd + "\n"

	if stripped != "" && !strings.HasSuffix(stripped, "\n") {
		stripped += "\n"
	}
	return []byte(stripped + block)
}

func stripManagedBlock(content string) string {
	start := strings.Index(content, blockBegin)
	if start < 0 {
		return strings.TrimRight(content, "\n")
	}
	end := strings.Index(content[start:], blockEnd)
	if end < 0 {
		return strings.TrimRight(content[:start], "\n")
	}
	end = start + end + len(blockEnd)
	if end < len(content) && content[end] == '\n' {
		end++
	}
	before := strings.TrimRight(content[:start], "\n")
	after := content[end:]
	if after == "" {
		return before
	}
	return before + "\n" + strings.TrimRight(after, "\n")
}
