package platform

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// Platform tags with an official embeddable distribution
const (
	WinAmd64 = "win_amd64" // Windows x86 64-bit
	Win32    = "win32"     // Windows x86 32-bit
	WinArm64 = "win_arm64" // Windows ARM 64-bit
)

// embedArch maps a wheel platform tag to the embeddable zip's arch suffix
var embedArch = map[string]string{
	WinAmd64: "amd64",
	Win32:    "win32",
	WinArm64: "arm64",
}

// AllEmbeddable contains every platform tag with an embeddable distribution
var AllEmbeddable = []string{WinAmd64, Win32, WinArm64}

// Runtime identifies the interpreter being bundled: a CPython release and the
// wheel platform tag it runs on.
type Runtime struct {
	Version  string // Full release, e.g. 3.11.9
	Platform string // Wheel platform tag, e.g. win_amd64

	major, minor int
}

// NewRuntime validates version and platform
func NewRuntime(version, platform string) (Runtime, error) {
	version = strings.TrimSpace(version)
	platform = strings.TrimSpace(platform)
	if platform == "" {
		return Runtime{}, fmt.Errorf("platform tag is required")
	}

	parts := strings.Split(version, ".")
	if len(parts) < 2 {
		return Runtime{}, fmt.Errorf("invalid runtime version %q (expected major.minor[.micro])", version)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return Runtime{}, fmt.Errorf("invalid runtime version %q: %w", version, err)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return Runtime{}, fmt.Errorf("invalid runtime version %q: %w", version, err)
	}

	return Runtime{Version: version, Platform: platform, major: major, minor: minor}, nil
}

// MustRuntime is NewRuntime for constants in tests and defaults
func MustRuntime(version, platform string) Runtime {
	rt, err := NewRuntime(version, platform)
	if err != nil {
		panic(err)
	}
	return rt
}

// Major returns the major version
func (r Runtime) Major() int { return r.major }

// Minor returns the minor version
func (r Runtime) Minor() int { return r.minor }

// Short returns the compact version used in tags and file names ("311")
func (r Runtime) Short() string {
	return fmt.Sprintf("%d%d", r.major, r.minor)
}

// PythonTag returns the CPython interpreter tag ("cp311")
func (r Runtime) PythonTag() string {
	return "cp" + r.Short()
}

// PthFile is the path configuration file shipped in the embeddable zip
func (r Runtime) PthFile() string {
	return "python" + r.Short() + "._pth"
}

// EmbedArch returns the arch suffix of the embeddable zip for the platform
func (r Runtime) EmbedArch() (string, error) {
	arch, ok := embedArch[r.Platform]
	if !ok {
		return "", fmt.Errorf("no embeddable distribution for platform %s (available: %s)", r.Platform, strings.Join(AllEmbeddable, ", "))
	}
	return arch, nil
}

// String returns a string representation of the runtime
func (r Runtime) String() string {
	return fmt.Sprintf("cpython-%s-%s", r.Version, r.Platform)
}

// IsEmbeddable checks if the platform tag has an embeddable distribution
func IsEmbeddable(tag string) bool {
	_, ok := embedArch[tag]
	return ok
}

// Host returns the wheel platform tag of the running system
func Host() (string, error) {
	goos := runtime.GOOS
	goarch := runtime.GOARCH

	switch goos {
	case "windows":
		switch goarch {
		case "amd64":
			return WinAmd64, nil
		case "386":
			return Win32, nil
		case "arm64":
			return WinArm64, nil
		}
	case "linux":
		switch goarch {
		case "amd64":
			return "manylinux2014_x86_64", nil
		case "arm64":
			return "manylinux2014_aarch64", nil
		}
	case "darwin":
		switch goarch {
		case "amd64":
			return "macosx_10_9_x86_64", nil
		case "arm64":
			return "macosx_11_0_arm64", nil
		}
	}
	return "", fmt.Errorf("unsupported host platform: %s/%s", goos, goarch)
}

// DefaultTarget is the host platform tag when the host can run an embeddable
// distribution, and win_amd64 otherwise.
func DefaultTarget() string {
	if tag, err := Host(); err == nil && IsEmbeddable(tag) {
		return tag
	}
	return WinAmd64
}
