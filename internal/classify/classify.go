// Package classify implements the Runtime Classifier (C2): mapping a
// process descriptor's executable/maps/cmdline to a RuntimeKind + version.
package classify

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Granulate/gprofiler/internal/stack"
)

var (
	jvmSoname    = regexp.MustCompile(`libjvm\.so`)
	pythonSoname = regexp.MustCompile(`libpython[0-9.]*\.so`)
	rubySoname   = regexp.MustCompile(`libruby[-.0-9]*\.so`)
	dotnetSoname = regexp.MustCompile(`libcoreclr\.so|libhostfxr\.so`)
)

// Classify determines the runtime kind of the described process, checked
// cheap-to-expensive per §4.2's ordered policy. Ties are broken by
// first-match; the result is deterministic given the same descriptor.
func Classify(desc stack.ProcessDescriptor) (stack.RuntimeKind, string) {
	base := filepath.Base(desc.Executable)

	if hasModuleMatching(desc.Modules, jvmSoname) {
		return stack.Java, javaVersion(desc)
	}

	if strings.HasPrefix(base, "python") || hasModuleMatching(desc.Modules, pythonSoname) {
		return stack.Python, pythonVersion(base)
	}

	if strings.HasPrefix(base, "ruby") || hasModuleMatching(desc.Modules, rubySoname) {
		return stack.Ruby, rubyVersion(base)
	}

	if strings.HasPrefix(base, "php") {
		return stack.PHP, ""
	}

	if base == "node" || base == "nodejs" {
		return stack.Node, ""
	}

	if hasModuleMatching(desc.Modules, dotnetSoname) {
		return stack.DotNet, ""
	}

	return stack.Native, ""
}

func hasModuleMatching(modules []string, re *regexp.Regexp) bool {
	for _, m := range modules {
		if re.MatchString(filepath.Base(m)) {
			return true
		}
	}
	return false
}

// pythonVersion extracts "3.11" out of an executable basename like
// "python3.11" without spawning a child process, per §4.2 "Version".
func pythonVersion(base string) string {
	v := strings.TrimPrefix(base, "python")
	if v == "" {
		return ""
	}
	return v
}

func rubyVersion(base string) string {
	v := strings.TrimPrefix(base, "ruby")
	return v
}

// javaVersion attempts to read the "release" file alongside the executable
// (a well-known file inside a JRE/JDK layout) without spawning a child.
// Left blank if not found, per §4.2's "otherwise leaves it blank".
func javaVersion(desc stack.ProcessDescriptor) string {
	dir := filepath.Dir(filepath.Dir(desc.Executable)) // .../bin/java -> ...
	f, err := os.Open(filepath.Join(dir, "release"))
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "JAVA_VERSION=") {
			return strings.Trim(strings.TrimPrefix(line, "JAVA_VERSION="), `"`)
		}
	}
	return ""
}
