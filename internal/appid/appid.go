// Package appid implements the Application Identifier (C5): a per-runtime
// heuristic that extracts a stable, human-readable identity string from a
// process's command line.
package appid

import (
	"path/filepath"
	"strings"

	"github.com/Granulate/gprofiler/internal/stack"
)

// AppID returns a human readable application identity for desc, or "" if
// no rule matches (§4.5). The result never contains ';' or a newline.
func AppID(desc stack.ProcessDescriptor) string {
	var id string
	switch desc.Runtime {
	case stack.Python:
		id = pythonAppID(desc.CommandLine)
	case stack.Java:
		id = javaAppID(desc.CommandLine)
	case stack.Node:
		id = nodeAppID(desc.CommandLine)
	case stack.Ruby:
		id = rubyAppID(desc.CommandLine)
	case stack.DotNet:
		id = dotnetAppID(desc.CommandLine)
	}
	return sanitize(id)
}

// sanitize guarantees the returned string has no ';' or newline (§4.5
// "Guarantee"), escaping rather than truncating so the identity stays
// recognizable.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, ";", "\\;")
	return s
}

func firstNonFlagArg(args []string) string {
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		return a
	}
	return ""
}

// pythonAppID returns the script file or a WSGI server spec (e.g.
// "gunicorn myapp:app" -> "myapp:app").
func pythonAppID(args []string) string {
	if len(args) == 0 {
		return ""
	}
	base := filepath.Base(args[0])
	if strings.HasPrefix(base, "gunicorn") || strings.HasPrefix(base, "uwsgi") {
		if spec := firstNonFlagArg(args[1:]); spec != "" {
			return spec
		}
	}
	for i, a := range args[1:] {
		if strings.HasSuffix(a, ".py") {
			return a
		}
		if a == "-m" && i+2 < len(args) {
			return args[i+2]
		}
	}
	return ""
}

// javaAppID returns the -jar argument or the main class (the first
// non-flag, non-classpath-entry token after the JVM options).
func javaAppID(args []string) string {
	for i, a := range args {
		if a == "-jar" && i+1 < len(args) {
			return args[i+1]
		}
	}
	skipNext := false
	for i, a := range args {
		if i == 0 {
			continue
		}
		if skipNext {
			skipNext = false
			continue
		}
		if a == "-cp" || a == "-classpath" || a == "-p" {
			skipNext = true
			continue
		}
		if strings.HasPrefix(a, "-") {
			continue
		}
		return a
	}
	return ""
}

// nodeAppID returns the entry script: the first non-flag argument.
func nodeAppID(args []string) string {
	if len(args) < 2 {
		return ""
	}
	return firstNonFlagArg(args[1:])
}

func rubyAppID(args []string) string {
	if len(args) < 2 {
		return ""
	}
	return firstNonFlagArg(args[1:])
}

// dotnetAppID returns the invoked managed assembly.
func dotnetAppID(args []string) string {
	if len(args) == 0 {
		return ""
	}
	base := filepath.Base(args[0])
	if base == "dotnet" && len(args) > 1 {
		return firstNonFlagArg(args[1:])
	}
	if strings.HasSuffix(base, ".dll") {
		return base
	}
	return ""
}
