// Jean-Claude chat is the terminal client of the edge proxy.
//
// It streams replies from POST /api/chat and keeps every conversation in a
// local transcript store (memory, sqlite or redis).
//
// Usage:
//
//	# Start an interactive session
//	jean-claude-chat
//
//	# List saved transcripts
//	jean-claude-chat transcripts list
//
//	# Export every transcript as Markdown
//	jean-claude-chat transcripts export --dir ./exports
package main

func main() {
	Execute()
}
