package sentryclient

import (
	"runtime"
	"strings"
)

const sdkModulePath = "github.com/your-org/sentry-client-go"

// Frame is a single entry of a stack trace, in the ingestion wire format.
type Frame struct {
	Function string `json:"function,omitempty"`
	Module   string `json:"module,omitempty"`
	AbsPath  string `json:"abs_path,omitempty"`
	Lineno   int    `json:"lineno,omitempty"`
	InApp    bool   `json:"in_app"`
}

// Stacktrace is an ordered list of frames, oldest call first.
type Stacktrace struct {
	Frames []Frame `json:"frames,omitempty"`
}

// NewStacktrace captures the stack of the calling goroutine, excluding
// frames that belong to this library and to the Go runtime. Returns nil
// when nothing useful remains; symbolication beyond what the runtime
// provides is out of scope.
func NewStacktrace() *Stacktrace {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(1, pcs)
	if n == 0 {
		return nil
	}

	callers := runtime.CallersFrames(pcs[:n])
	var frames []Frame
	for {
		fr, more := callers.Next()
		if fr.Func != nil || fr.Function != "" {
			if f, ok := newFrame(fr); ok {
				frames = append(frames, f)
			}
		}
		if !more {
			break
		}
	}
	if len(frames) == 0 {
		return nil
	}

	// The runtime reports newest call first; the wire format wants the
	// oldest first.
	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}
	return &Stacktrace{Frames: frames}
}

// newFrame converts a runtime frame, dropping library and runtime frames.
func newFrame(fr runtime.Frame) (Frame, bool) {
	module, function := splitQualifiedName(fr.Function)
	if module == "runtime" || module == "testing" ||
		strings.HasPrefix(module, sdkModulePath) {
		return Frame{}, false
	}

	return Frame{
		Function: function,
		Module:   module,
		AbsPath:  fr.File,
		Lineno:   fr.Line,
		InApp:    true,
	}, true
}

// splitQualifiedName splits "pkg/path.Func" into package path and
// function name. The package path may itself contain dots (domains), so
// the split happens at the last dot after the final slash.
func splitQualifiedName(name string) (module, function string) {
	slash := strings.LastIndex(name, "/")
	dot := strings.Index(name[slash+1:], ".")
	if dot < 0 {
		return "", name
	}
	split := slash + 1 + dot
	return name[:split], name[split+1:]
}
