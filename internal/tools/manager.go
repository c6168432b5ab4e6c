package tools

import (
	"os/exec"
	"strings"

	"videoscan/internal/config"
)

// Manager checks availability of the external tools the pipeline shells
// out to.
type Manager struct {
	cfg *config.Config
}

func NewManager(cfg *config.Config) *Manager {
	return &Manager{cfg: cfg}
}

// Status represents the availability of a tool
type Status struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// Check verifies if a tool is available and working
func (m *Manager) Check(toolName string) Status {
	binaryName := m.binaryFor(toolName)
	if binaryName == "" {
		return Status{Available: false}
	}

	path, err := exec.LookPath(binaryName)
	if err != nil {
		return Status{Available: false, Error: err}
	}

	var versionCmd []string
	switch toolName {
	case "ffmpeg":
		versionCmd = []string{binaryName, "-version"}
	case "ffprobe":
		versionCmd = []string{binaryName, "-version"}
	case "engine":
		// The alignment engine has no version flag in headless mode;
		// existence on PATH is the whole check.
		return Status{Available: true, Path: path}
	case "detector":
		versionCmd = []string{binaryName, "--version"}
	default:
		return Status{Available: true, Path: path}
	}

	cmd := exec.Command(versionCmd[0], versionCmd[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		// Some tools return non-zero exit codes for version/help but
		// still show useful output
		if len(output) > 0 {
			return Status{Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return Status{Available: false, Path: path, Error: err}
	}
	return Status{Available: true, Version: extractVersion(string(output)), Path: path}
}

func (m *Manager) binaryFor(toolName string) string {
	switch toolName {
	case "ffmpeg":
		return m.cfg.Extraction.FFmpegPath
	case "ffprobe":
		return m.cfg.Extraction.FFprobePath
	case "engine":
		return m.cfg.Engine.ExecutablePath
	case "detector":
		return m.cfg.Gate.DetectorCommand
	default:
		return toolName
	}
}

// All returns the status of every tool the pipeline can use. The
// detector entry is omitted when no detector is configured.
func (m *Manager) All() map[string]Status {
	status := map[string]Status{
		"ffmpeg":  m.Check("ffmpeg"),
		"ffprobe": m.Check("ffprobe"),
		"engine":  m.Check("engine"),
	}
	if m.cfg.Gate.DetectorCommand != "" {
		status["detector"] = m.Check("detector")
	}
	return status
}

// Ready reports whether the required tools for a full reconstruction run
// are present. The detector and image-stats gates are optional.
func (m *Manager) Ready() bool {
	for _, name := range []string{"ffmpeg", "ffprobe", "engine"} {
		if !m.Check(name).Available {
			return false
		}
	}
	return true
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
