package publish

import (
	"bytes"
	"io"
	"os/exec"
	"strings"
)

// execPublisher runs the real external publishing tool. Login output
// is discarded so credentials never reach a terminal or log; upload
// output is captured and surfaced on failure for diagnosis.
type execPublisher struct {
	tool string
}

func (p *execPublisher) Login(username, password string) error {
	cmd := exec.Command(p.tool, "login", "--username", username, "--password", password) // #nosec G204 - tool name comes from operator config
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		// err carries only the exit status, never the credential
		// arguments.
		return &ExternalToolError{Op: "login", Err: err}
	}
	return nil
}

func (p *execPublisher) Upload(user, label string, files []string) error {
	args := []string{"upload", "-u", user, "-l", label}
	args = append(args, files...)

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(p.tool, args...) // #nosec G204 - tool name comes from operator config
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		output := strings.TrimSpace(stdout.String() + "\n" + stderr.String())
		return &ExternalToolError{Op: "upload", Output: output, Err: err}
	}
	return nil
}

func (p *execPublisher) Logout() error {
	cmd := exec.Command(p.tool, "logout") // #nosec G204 - tool name comes from operator config
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		return &ExternalToolError{Op: "logout", Err: err}
	}
	return nil
}
