package sentryclient

import (
	"runtime"
	"testing"
)

func TestSplitQualifiedName(t *testing.T) {
	tests := []struct {
		name     string
		module   string
		function string
	}{
		{"main.main", "main", "main"},
		{"runtime.goexit", "runtime", "goexit"},
		{"net/http.(*Server).Serve", "net/http", "(*Server).Serve"},
		{"github.com/spf13/viper.New", "github.com/spf13/viper", "New"},
		{"example.com/app/internal/api.handleRequest", "example.com/app/internal/api", "handleRequest"},
		{"noDotAtAll", "", "noDotAtAll"},
	}

	for _, tt := range tests {
		module, function := splitQualifiedName(tt.name)
		if module != tt.module || function != tt.function {
			t.Errorf("splitQualifiedName(%q) = (%q, %q), want (%q, %q)",
				tt.name, module, function, tt.module, tt.function)
		}
	}
}

func TestNewFrame_DropsRuntimeAndOwnFrames(t *testing.T) {
	drop := []string{
		"runtime.goexit",
		"testing.tRunner",
		sdkModulePath + ".(*Client).CaptureException",
	}
	for _, name := range drop {
		if _, ok := newFrame(runtime.Frame{Function: name}); ok {
			t.Errorf("frame %q should be dropped", name)
		}
	}

	frame, ok := newFrame(runtime.Frame{
		Function: "example.com/app.work",
		File:     "/src/app/work.go",
		Line:     17,
	})
	if !ok {
		t.Fatal("application frame should be kept")
	}
	if frame.Module != "example.com/app" || frame.Function != "work" {
		t.Errorf("frame = %+v", frame)
	}
	if frame.Lineno != 17 || frame.AbsPath != "/src/app/work.go" {
		t.Errorf("frame position = %+v", frame)
	}
	if !frame.InApp {
		t.Error("application frames should be marked in_app")
	}
}

func TestNewStacktrace_FiltersItself(t *testing.T) {
	// Called from inside this module every frame is either ours, the
	// test runner's, or the runtime's, so nothing may remain.
	if st := NewStacktrace(); st != nil {
		for _, frame := range st.Frames {
			t.Errorf("unexpected surviving frame: %s.%s", frame.Module, frame.Function)
		}
	}
}
