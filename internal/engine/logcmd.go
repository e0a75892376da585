package engine

import (
	"bytes"
	"strings"
)

// LogCommand is a "##vso[area.action props]message" line emitted by a step.
//
// Supported commands:
//
//	##vso[task.setvariable variable=NAME]value    bind NAME for later steps
//	##vso[task.prependpath]dir                    prepend dir to PATH for later steps
//	##vso[task.logissue type=warning|error]text   record an issue in the step log
//	##vso[task.complete result=Failed|SucceededWithIssues]
//
// Other commands are ignored.
type LogCommand struct {
	Name       string // "task.setvariable"
	Properties map[string]string
	Message    string
}

const logCommandPrefix = "##vso["

// ParseLogCommand parses one output line. Leading whitespace is ignored.
func ParseLogCommand(line string) (LogCommand, bool) {
	line = strings.TrimSpace(line)
	rest, ok := strings.CutPrefix(line, logCommandPrefix)
	if !ok {
		return LogCommand{}, false
	}
	head, msg, ok := strings.Cut(rest, "]")
	if !ok {
		return LogCommand{}, false
	}

	name, props, _ := strings.Cut(head, " ")
	cmd := LogCommand{
		Name:       strings.ToLower(strings.TrimSpace(name)),
		Properties: make(map[string]string),
		Message:    msg,
	}
	for _, kv := range strings.Split(props, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if ok && k != "" {
			cmd.Properties[strings.ToLower(k)] = v
		}
	}
	return cmd, true
}

// commandEffects accumulates what a step's log commands ask for.
type commandEffects struct {
	SetVariables [][2]string
	PrependPath  []string
	Issues       []string
	Result       string // "", "failed" or "succeededwithissues"
}

// commandWriter applies log commands as output streams through it.
type commandWriter struct {
	partial []byte
	effects commandEffects
}

func (w *commandWriter) Write(p []byte) (int, error) {
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.apply(string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

// Flush applies a trailing line without a newline.
func (w *commandWriter) Flush() {
	if len(w.partial) > 0 {
		w.apply(string(w.partial))
		w.partial = nil
	}
}

func (w *commandWriter) apply(line string) {
	cmd, ok := ParseLogCommand(strings.TrimRight(line, "\r"))
	if !ok {
		return
	}
	fx := &w.effects
	switch cmd.Name {
	case "task.setvariable":
		if name := cmd.Properties["variable"]; name != "" {
			fx.SetVariables = append(fx.SetVariables, [2]string{name, cmd.Message})
		}
	case "task.prependpath":
		if dir := strings.TrimSpace(cmd.Message); dir != "" {
			fx.PrependPath = append(fx.PrependPath, dir)
		}
	case "task.logissue":
		fx.Issues = append(fx.Issues, cmd.Properties["type"]+": "+cmd.Message)
	case "task.complete":
		fx.Result = strings.ToLower(cmd.Properties["result"])
	}
}
