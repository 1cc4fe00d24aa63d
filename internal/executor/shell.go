package executor

import (
	"os"
	"runtime"
	"strings"
)

// Shell is the host shell binary and the flag that makes it run a command string.
type Shell struct {
	Binary string
	Flag   string
}

// DefaultPOSIXShell is used when $SHELL is unset on non-Windows hosts.
const DefaultPOSIXShell = "/bin/sh"

// ResolveShell picks the host shell for goos.
//
// A preferred shell ("bash", "zsh", "sh", "powershell") wins over the
// platform rule; "" and "auto" defer to it. On Windows the platform rule is
// PowerShell with -Command, elsewhere $SHELL (via getenv) with -c, falling
// back to DefaultPOSIXShell. The returned pair is never empty.
func ResolveShell(goos, preferred string, getenv func(string) string) Shell {
	switch strings.ToLower(strings.TrimSpace(preferred)) {
	case "bash":
		return Shell{Binary: "bash", Flag: "-c"}
	case "zsh":
		return Shell{Binary: "zsh", Flag: "-c"}
	case "sh":
		return Shell{Binary: "sh", Flag: "-c"}
	case "powershell", "pwsh":
		return Shell{Binary: "powershell.exe", Flag: "-Command"}
	}

	if goos == "windows" {
		return Shell{Binary: "powershell.exe", Flag: "-Command"}
	}

	bin := ""
	if getenv != nil {
		bin = strings.TrimSpace(getenv("SHELL"))
	}
	if bin == "" {
		bin = DefaultPOSIXShell
	}
	return Shell{Binary: bin, Flag: "-c"}
}

// HostShell resolves the shell for the running process.
func HostShell(preferred string) Shell {
	return ResolveShell(runtime.GOOS, preferred, os.Getenv)
}
