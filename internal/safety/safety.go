// Package safety flags shell commands that are likely to destroy data or the
// host before they are handed to the executor.
//
// The check is a list of regular expressions, nothing more. It catches the
// classic foot-guns (rm -rf /, dd onto a disk, fork bombs) and is trivially
// bypassed by anyone who tries, so it is a guard rail, not a sandbox.
package safety

import "regexp"

// Severity grades how bad a match is.
type Severity string

const (
	// SeverityWarn is reported to the caller but never blocks a run.
	SeverityWarn Severity = "warn"
	// SeverityDanger blocks a run unless the caller explicitly allows it.
	SeverityDanger Severity = "danger"
)

// Issue is one rule that matched a command.
type Issue struct {
	Pattern  string   `json:"pattern"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

type rule struct {
	re       *regexp.Regexp
	severity Severity
	message  string
	pattern  string
}

// Rules are checked in order; every rule that matches yields an Issue.
var rules = []rule{
	// Disk destruction
	{
		re:       regexp.MustCompile(`(?i)rm\s+-[a-z]*r[a-z]*f\s+(/\*|/\s*$|~/?\s*$|\$HOME\s*$)`),
		severity: SeverityDanger,
		message:  "Recursive forced delete of root or home directory",
		pattern:  "rm -rf / | rm -rf ~",
	},
	{
		re:       regexp.MustCompile(`(?i)rm\s+-[a-z]*r[a-z]*`),
		severity: SeverityWarn,
		message:  "Recursive file deletion detected",
		pattern:  "rm -r ...",
	},
	{
		re:       regexp.MustCompile(`(?i)sudo\s+rm`),
		severity: SeverityDanger,
		message:  "Privileged delete, may affect system files",
		pattern:  "sudo rm",
	},

	// Docker housekeeping
	{
		re:       regexp.MustCompile(`(?i)docker\s+system\s+prune`),
		severity: SeverityWarn,
		message:  "Docker system prune removes all stopped containers, dangling images and networks",
		pattern:  "docker system prune",
	},
	{
		re:       regexp.MustCompile(`(?i)docker\s+volume\s+prune`),
		severity: SeverityWarn,
		message:  "Docker volume prune removes all unused volumes, potential data loss",
		pattern:  "docker volume prune",
	},

	// Raw disk writes
	{
		re:       regexp.MustCompile(`(?i)dd\s+if=`),
		severity: SeverityDanger,
		message:  "dd can overwrite entire disks, verify source and destination",
		pattern:  "dd if=...",
	},
	{
		re:       regexp.MustCompile(`(?i)mkfs\.`),
		severity: SeverityDanger,
		message:  "mkfs formats a filesystem and destroys all data on the target device",
		pattern:  "mkfs.*",
	},
	{
		re:       regexp.MustCompile(`(?i)>\s*/dev/(sd[a-z]|nvme|hd[a-z])`),
		severity: SeverityDanger,
		message:  "Writing directly to a block device can corrupt the disk",
		pattern:  "> /dev/sda",
	},

	// Resource exhaustion
	{
		re:       regexp.MustCompile(`:\s*\(\s*\)\s*\{`),
		severity: SeverityDanger,
		message:  "Possible fork bomb pattern, will exhaust system resources",
		pattern:  ":(){:|:&};:",
	},

	// Permissions
	{
		re:       regexp.MustCompile(`(?i)chmod\s+-?R\s+777\s+/`),
		severity: SeverityWarn,
		message:  "chmod 777 on / makes all system files world-writable",
		pattern:  "chmod -R 777 /",
	},

	// Remote code
	{
		re:       regexp.MustCompile(`(?i)(curl|wget)\s+.*\|\s*(sudo\s+)?(bash|sh)`),
		severity: SeverityWarn,
		message:  "Piped install executes a remote script without review",
		pattern:  "curl | bash",
	},

	// Audit trail
	{
		re:       regexp.MustCompile(`(?i)>\s*~/\.(bash|zsh)_history`),
		severity: SeverityWarn,
		message:  "Clearing shell history",
		pattern:  "> ~/.bash_history",
	},
}

// Check returns every issue found in command. An empty result means no rule matched.
func Check(command string) []Issue {
	var issues []Issue
	for _, r := range rules {
		if r.re.MatchString(command) {
			issues = append(issues, Issue{
				Pattern:  r.pattern,
				Severity: r.severity,
				Message:  r.message,
			})
		}
	}
	return issues
}

// HasDanger reports whether any issue is danger-level.
func HasDanger(issues []Issue) bool {
	for _, is := range issues {
		if is.Severity == SeverityDanger {
			return true
		}
	}
	return false
}
