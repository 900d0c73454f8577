package testutil

import (
	"context"
	"strings"
	"sync"
)

// ScriptRunner is an in-memory sshrun.Runner. Commands whose text contains a
// scripted prefix return the scripted output; everything else succeeds with
// empty output. All executed commands are recorded.
type ScriptRunner struct {
	mu       sync.Mutex
	outputs  map[string]string
	failures map[string]error
	Commands []string
}

func NewScriptRunner() *ScriptRunner {
	return &ScriptRunner{
		outputs:  make(map[string]string),
		failures: make(map[string]error),
	}
}

// RespondTo makes commands containing substr return out.
func (r *ScriptRunner) RespondTo(substr, out string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[substr] = out
}

// FailOn makes commands containing substr return err.
func (r *ScriptRunner) FailOn(substr string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[substr] = err
}

func (r *ScriptRunner) Run(_ context.Context, command string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Commands = append(r.Commands, command)
	for substr, err := range r.failures {
		if strings.Contains(command, substr) {
			return "", err
		}
	}
	for substr, out := range r.outputs {
		if strings.Contains(command, substr) {
			return out, nil
		}
	}
	return "", nil
}

// Ran reports whether any executed command contains substr.
func (r *ScriptRunner) Ran(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.Commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}
