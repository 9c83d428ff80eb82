package llm

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kadirpekel/herald/pkg/models"
)

// versionProbeTimeout bounds the --version probe per candidate.
const versionProbeTimeout = 5 * time.Second

// DefaultCandidates returns the ordered probe list for the current OS:
// the PATH entry first, then well-known install locations.
func DefaultCandidates() []string {
	candidates := []string{"ollama"}

	switch runtime.GOOS {
	case "darwin":
		candidates = append(candidates,
			"/usr/local/bin/ollama",
			"/opt/homebrew/bin/ollama",
			"/Applications/Ollama.app/Contents/Resources/ollama",
		)
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			candidates = append(candidates,
				filepath.Join(localAppData, "Programs", "Ollama", "ollama.exe"))
		}
		candidates = append(candidates,
			`C:\Program Files\Ollama\ollama.exe`,
		)
	default:
		candidates = append(candidates,
			"/usr/local/bin/ollama",
			"/usr/bin/ollama",
			"/opt/ollama/bin/ollama",
		)
	}

	return candidates
}

// DiscoverBinary probes candidates in order and returns the first whose
// --version answers within the probe timeout. An empty candidate list
// falls back to DefaultCandidates. None answering yields BinaryNotFound.
func DiscoverBinary(ctx context.Context, candidates []string) (string, error) {
	if len(candidates) == 0 {
		candidates = DefaultCandidates()
	}

	for _, candidate := range candidates {
		path := candidate
		if !filepath.IsAbs(path) {
			resolved, err := exec.LookPath(path)
			if err != nil {
				continue
			}
			path = resolved
		}

		if probeVersion(ctx, path) {
			return path, nil
		}
	}

	return "", models.NewError(models.KindBinaryNotFound, "llm.discover",
		"no model runtime binary found; install it or set llm.binary")
}

func probeVersion(ctx context.Context, path string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, path, "--version")
	return cmd.Run() == nil
}
