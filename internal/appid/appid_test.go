package appid

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Granulate/gprofiler/internal/stack"
)

func TestAppIDPython(t *testing.T) {
	id := AppID(stack.ProcessDescriptor{
		Runtime:     stack.Python,
		CommandLine: []string{"python3", "/srv/app/worker.py", "--verbose"},
	})
	require.Equal(t, "/srv/app/worker.py", id)
}

func TestAppIDPythonGunicorn(t *testing.T) {
	id := AppID(stack.ProcessDescriptor{
		Runtime:     stack.Python,
		CommandLine: []string{"gunicorn", "myapp:app"},
	})
	require.Equal(t, "myapp:app", id)
}

func TestAppIDJavaJar(t *testing.T) {
	id := AppID(stack.ProcessDescriptor{
		Runtime:     stack.Java,
		CommandLine: []string{"java", "-Xmx512m", "-jar", "service.jar"},
	})
	require.Equal(t, "service.jar", id)
}

func TestAppIDJavaMainClassSkipsClasspath(t *testing.T) {
	id := AppID(stack.ProcessDescriptor{
		Runtime:     stack.Java,
		CommandLine: []string{"java", "-cp", "lib/*", "com.example.Main"},
	})
	require.Equal(t, "com.example.Main", id)
}

func TestAppIDSanitizesDelimiters(t *testing.T) {
	id := AppID(stack.ProcessDescriptor{
		Runtime:     stack.Python,
		CommandLine: []string{"python3", "weird;name\nfile.py"},
	})
	require.Equal(t, "weird\\;name\\nfile.py", id)
}

func TestAppIDUnknownRuntimeIsBlank(t *testing.T) {
	id := AppID(stack.ProcessDescriptor{
		Runtime:     stack.Native,
		CommandLine: []string{"some-binary"},
	})
	require.Equal(t, "", id)
}
