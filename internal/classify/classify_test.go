package classify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Granulate/gprofiler/internal/stack"
)

func TestClassifyByExecutableName(t *testing.T) {
	cases := []struct {
		exe  string
		want stack.RuntimeKind
	}{
		{"/usr/bin/python3.11", stack.Python},
		{"/usr/bin/ruby3.2", stack.Ruby},
		{"/usr/sbin/php-fpm", stack.PHP},
		{"/usr/bin/node", stack.Node},
		{"/usr/bin/some-service", stack.Native},
	}
	for _, c := range cases {
		kind, _ := Classify(stack.ProcessDescriptor{Executable: c.exe})
		require.Equal(t, c.want, kind, c.exe)
	}
}

func TestClassifyByLoadedModule(t *testing.T) {
	kind, _ := Classify(stack.ProcessDescriptor{
		Executable: "/usr/bin/some-launcher",
		Modules:    []string{"/usr/lib/jvm/java-17/lib/server/libjvm.so"},
	})
	require.Equal(t, stack.Java, kind)
}

func TestPythonVersionFromExecutableName(t *testing.T) {
	kind, version := Classify(stack.ProcessDescriptor{Executable: "/usr/bin/python3.11"})
	require.Equal(t, stack.Python, kind)
	require.Equal(t, "3.11", version)
}

func TestJavaVersionFromReleaseFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "release"), []byte("JAVA_VERSION=\"17.0.2\"\nOTHER=1\n"), 0o644))

	desc := stack.ProcessDescriptor{
		Executable: filepath.Join(dir, "bin", "java"),
		Modules:    []string{"libjvm.so"},
	}
	kind, version := Classify(desc)
	require.Equal(t, stack.Java, kind)
	require.Equal(t, "17.0.2", version)
}

func TestJavaVersionBlankWhenReleaseFileMissing(t *testing.T) {
	dir := t.TempDir()
	desc := stack.ProcessDescriptor{
		Executable: filepath.Join(dir, "bin", "java"),
		Modules:    []string{"libjvm.so"},
	}
	_, version := Classify(desc)
	require.Equal(t, "", version)
}
