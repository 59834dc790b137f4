// Package commands provides command parsing and dispatch for Stevedore
package commands

import (
	"errors"
	"fmt"
	"strings"
)

// Verb is the action token of a command. The set of verbs is closed: parsing
// maps a token onto one of the constants below or fails, and dispatch is a
// switch over the enumeration, so adding or removing an operation is a
// compile-time-checked change.
type Verb string

const (
	// Bot-local verbs.
	VerbHelp    Verb = "help"
	VerbPing    Verb = "ping"
	VerbVersion Verb = "version"
	VerbAudit   Verb = "audit"

	// Engine verbs.
	VerbList    Verb = "list"
	VerbStart   Verb = "start"
	VerbStop    Verb = "stop"
	VerbRestart Verb = "restart"
	VerbRemove  Verb = "remove"
	VerbLogs    Verb = "logs"
	VerbInspect Verb = "inspect"
)

// ParseVerb maps a raw token onto the verb enumeration.
func ParseVerb(s string) (Verb, bool) {
	switch Verb(s) {
	case VerbHelp, VerbPing, VerbVersion, VerbAudit,
		VerbList, VerbStart, VerbStop, VerbRestart,
		VerbRemove, VerbLogs, VerbInspect:
		return Verb(s), true
	default:
		return "", false
	}
}

// NeedsTarget reports whether the verb requires a unit name.
func (v Verb) NeedsTarget() bool {
	switch v {
	case VerbStart, VerbStop, VerbRestart, VerbRemove, VerbLogs, VerbInspect:
		return true
	default:
		return false
	}
}

// Command represents a parsed command. It is immutable once parsed and
// discarded after dispatch.
type Command struct {
	Verb    Verb
	Target  string
	Args    []string
	Flags   map[string]string
	RawText string
}

// Sentinel parse errors. Callers use errors.Is to distinguish the expected
// cases (ordinary chat, typo'd verb) from real failures.
var (
	// ErrNotACommand is returned when the message does not start with the
	// command prefix.
	ErrNotACommand = errors.New("not a command (missing prefix)")

	// ErrUnsupportedVerb is returned for a prefixed message whose first
	// token is not in the verb set.
	ErrUnsupportedVerb = errors.New("unsupported command")

	// ErrMissingTarget is returned when a verb that operates on a unit is
	// given no unit name.
	ErrMissingTarget = errors.New("missing argument: unit name")
)

// Router parses raw message text into Commands
type Router struct {
	prefix string
}

// NewRouter creates a router for the given command prefix (e.g. "/stevedore")
func NewRouter(prefix string) *Router {
	return &Router{prefix: prefix}
}

// Prefix returns the configured command prefix.
func (r *Router) Prefix() string {
	return r.prefix
}

// Parse parses a message into a Command. It never touches the engine.
func (r *Router) Parse(text string) (*Command, error) {
	text = strings.TrimSpace(text)

	if !strings.HasPrefix(text, r.prefix) {
		return nil, ErrNotACommand
	}

	text = strings.TrimSpace(strings.TrimPrefix(text, r.prefix))
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrUnsupportedVerb)
	}

	verb, ok := ParseVerb(parts[0])
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVerb, parts[0])
	}

	cmd := &Command{
		Verb:    verb,
		Args:    []string{},
		Flags:   make(map[string]string),
		RawText: text,
	}

	// Remaining tokens are flags (--name [value]) and positional arguments.
	rest := parts[1:]
	for i := 0; i < len(rest); i++ {
		part := rest[i]

		if strings.HasPrefix(part, "--") {
			flagName := strings.TrimPrefix(part, "--")
			if i+1 < len(rest) && !strings.HasPrefix(rest[i+1], "--") {
				cmd.Flags[flagName] = rest[i+1]
				i++
			} else {
				cmd.Flags[flagName] = "true"
			}
			continue
		}

		cmd.Args = append(cmd.Args, part)
	}

	// The first positional argument is the target for verbs that take one.
	if verb.NeedsTarget() {
		if len(cmd.Args) == 0 {
			return nil, fmt.Errorf("%w (usage: %s %s <name>)", ErrMissingTarget, r.prefix, verb)
		}
		cmd.Target = cmd.Args[0]
		cmd.Args = cmd.Args[1:]
	}

	return cmd, nil
}

// GetFlag returns a flag value with a default
func (c *Command) GetFlag(name, defaultValue string) string {
	if val, ok := c.Flags[name]; ok {
		return val
	}
	return defaultValue
}

// HasFlag checks if a flag is present
func (c *Command) HasFlag(name string) bool {
	_, ok := c.Flags[name]
	return ok
}

// GetArg returns a positional argument by index
func (c *Command) GetArg(index int) (string, bool) {
	if index < 0 || index >= len(c.Args) {
		return "", false
	}
	return c.Args[index], true
}
