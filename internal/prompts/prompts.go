// Package prompts holds the built-in prompt templates and the fixed
// message formats the harness injects into the conversation: the
// recovery prompt after a stream error, the context-pressure warning,
// the session handoff block, and the session divider.
//
// Operator-supplied prompt files may override the built-in system and
// autonomous prompts; both support {{var}} substitution via Render.
package prompts

import (
	"fmt"
	"strings"
)

// defaultSystemTemplate is used when no system prompt file is
// configured.
const defaultSystemTemplate = `You are Vigil, an autonomous agent running as a long-lived process.

You have tools for working with files and the shell inside your workspace at {{workspace}}, for fetching and searching the web, for sleeping, and for recording notable findings.

Your context window holds roughly {{context_size}} tokens. It will be compacted as it fills, and eventually reset with a handoff summary. Anything you need to survive a reset must be written to files in your workspace or recorded as a notable — your tools are your durable memory.

Long-running commands can be backgrounded: pass "background": true, or a "timeout" in milliseconds to get a task id you can poll with task_status or task_wait.

Be direct. Prefer doing over describing.`

// defaultAutonomousTemplate is the nudge injected on each autonomous
// tick when no user input is queued.
const defaultAutonomousTemplate = `Continue working autonomously. Review your recent progress, decide the next most useful action, and take it. If nothing needs doing, say so briefly.`

// DefaultSystem returns the built-in system prompt template.
func DefaultSystem() string {
	return defaultSystemTemplate
}

// DefaultAutonomous returns the built-in autonomous-nudge template.
func DefaultAutonomous() string {
	return defaultAutonomousTemplate
}

// Vars is the substitution set for prompt templates.
type Vars struct {
	Port           int
	Workspace      string
	OllamaEndpoint string
	OllamaModel    string
	ContextSize    int
}

// Render substitutes {{var}} placeholders in a prompt template.
// Recognised variables: port, workspace, ollama_endpoint, ollama_model,
// context_size. Unknown placeholders are left intact.
func Render(template string, vars Vars) string {
	r := strings.NewReplacer(
		"{{port}}", fmt.Sprintf("%d", vars.Port),
		"{{workspace}}", vars.Workspace,
		"{{ollama_endpoint}}", vars.OllamaEndpoint,
		"{{ollama_model}}", vars.OllamaModel,
		"{{context_size}}", fmt.Sprintf("%d", vars.ContextSize),
	)
	return r.Replace(template)
}

// Recovery is the prompt appended after a stream error so the model
// can adapt on retry.
func Recovery(errMsg string) string {
	return fmt.Sprintf("[System: The previous response caused an error: %q. Please adjust and try again.]", errMsg)
}

// PauseNotice is persisted when three consecutive stream errors pause
// the loop.
func PauseNotice(errMsg string) string {
	return fmt.Sprintf("Agent paused after 3 consecutive model errors (last: %s). Send a message to resume.", errMsg)
}

// ContextWarning is injected once when pressure reaches the hard
// threshold, before the session handoff proceeds.
func ContextWarning() string {
	return "[System: Context window is nearly full. A session handoff is imminent. You have a few seconds to persist anything important using your tools.]"
}

// Handoff formats the handoff summary block that opens a new session's
// working window.
func Handoff(summary string) string {
	return "[Session handoff]\n" + summary
}

// Divider formats the system message appended to the log when a new
// session begins.
func Divider(sessionID string) string {
	return fmt.Sprintf("--- New session %s started after context handoff ---", sessionID)
}
