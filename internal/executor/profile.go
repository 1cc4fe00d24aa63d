package executor

import (
	"fmt"
	"strings"
)

// containerWorkdir is where the run's working directory is bind-mounted.
const containerWorkdir = "/workspace"

// ResolveCommand rewrites req.Command into the line the host shell executes.
//
// GENERATED TEXT IS A CONTRACT:
// External tooling matches the docker and ssh lines literally, including the
// double space left behind when a resource flag is absent:
//
//	docker run --rm <cpu> <mem> -v <cwd>:/workspace -w /workspace <image> sh -c '<cmd>'
//	ssh -o StrictHostKeyChecking=no <user>@<host> '<cmd>'
//
// Only the command text is quoted unconditionally. Configuration values are
// validated upstream (see service.validateRequest); the working directory is
// quoted only when it contains characters a shell would interpret.
func ResolveCommand(req Request) string {
	switch req.Profile {
	case ProfileDocker:
		return wrapForDocker(req.Command, req.Cwd, req.Docker)
	case ProfileSSH:
		return wrapForSSH(req.Command, req.SSH)
	default:
		return req.Command
	}
}

func wrapForDocker(command, cwd string, cfg DockerConfig) string {
	image := cfg.Image
	if image == "" {
		image = DefaultDockerImage
	}
	workDir := cwd
	if workDir == "" {
		workDir = "."
	}
	cpu := ""
	if cfg.CPULimit != "" {
		cpu = "--cpus=" + cfg.CPULimit
	}
	mem := ""
	if cfg.MemLimit != "" {
		mem = "--memory=" + cfg.MemLimit
	}

	return fmt.Sprintf("docker run --rm %s %s -v %s:%s -w %s %s sh -c %s",
		cpu, mem,
		quoteIfNeeded(workDir), containerWorkdir,
		containerWorkdir,
		image,
		ShellEscape(command),
	)
}

func wrapForSSH(command string, cfg SSHConfig) string {
	user := cfg.User
	if user == "" {
		user = DefaultSSHUser
	}
	host := cfg.Host
	if host == "" {
		host = DefaultSSHHost
	}
	return fmt.Sprintf("ssh -o StrictHostKeyChecking=no %s@%s %s", user, host, ShellEscape(command))
}

// ShellEscape wraps s in single quotes for safe embedding as one shell word.
// Every embedded single quote becomes the four characters ', \, ', ' which
// close the quote, emit an escaped quote and reopen it.
func ShellEscape(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// quoteIfNeeded leaves plain paths untouched so the generated line stays
// byte-identical for ordinary input, and escapes anything else.
func quoteIfNeeded(s string) string {
	for _, r := range s {
		if !isShellSafe(r) {
			return ShellEscape(s)
		}
	}
	return s
}

func isShellSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("/._-+,@%=~", r)
}
