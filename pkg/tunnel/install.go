package tunnel

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/cuemby/portacode-agent/pkg/privileged"
)

const githubLatestBase = "https://github.com/cloudflare/cloudflared/releases/latest/download"

var archSuffixes = map[string]string{
	"amd64": "linux-amd64",
	"arm64": "linux-arm64",
	"arm":   "linux-arm",
	"386":   "linux-386",
}

// EnsureCloudflaredInstalled returns the CLI's version string, installing
// it first if missing: prefer the system package manager's prerequisites
// (curl/wget) and a single static binary download to /usr/local/bin,
// since that works uniformly across distros without repo configuration.
func EnsureCloudflaredInstalled() (string, error) {
	if privileged.Have("cloudflared") {
		return cloudflaredVersion()
	}

	if !privileged.Have("curl") && !privileged.Have("wget") {
		if err := installDownloadPrereqs(); err != nil {
			return "", err
		}
	}
	if err := installCloudflaredBinary(); err != nil {
		return "", err
	}
	if !privileged.Have("cloudflared") {
		return "", fmt.Errorf("cloudflared installed but not found in PATH; ensure /usr/local/bin is in PATH")
	}
	return cloudflaredVersion()
}

func cloudflaredVersion() (string, error) {
	res, err := privileged.Run([]string{"cloudflared", "--version"}, false)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func detectPkgManager() string {
	for _, mgr := range []string{"apk", "apt-get", "dnf", "yum", "zypper"} {
		if privileged.Have(mgr) {
			return mgr
		}
	}
	return ""
}

func installDownloadPrereqs() error {
	switch detectPkgManager() {
	case "apk":
		_, err := privileged.RunChecked([]string{"apk", "add", "--no-cache", "ca-certificates", "curl"}, true)
		return err
	case "apt-get":
		if _, err := privileged.RunChecked([]string{"apt-get", "update"}, true); err != nil {
			return err
		}
		_, err := privileged.RunChecked([]string{"apt-get", "install", "-y", "ca-certificates", "curl"}, true)
		return err
	case "dnf":
		_, err := privileged.RunChecked([]string{"dnf", "install", "-y", "ca-certificates", "curl"}, true)
		return err
	case "yum":
		_, err := privileged.RunChecked([]string{"yum", "install", "-y", "ca-certificates", "curl"}, true)
		return err
	case "zypper":
		_, err := privileged.RunChecked([]string{"zypper", "--non-interactive", "install", "-y", "ca-certificates", "curl"}, true)
		return err
	default:
		return fmt.Errorf("neither curl nor wget is available and no supported package manager was detected")
	}
}

func archSuffix() (string, error) {
	suffix, ok := archSuffixes[runtime.GOARCH]
	if !ok {
		return "", fmt.Errorf("unsupported CPU architecture for cloudflared binary install: %s", runtime.GOARCH)
	}
	return suffix, nil
}

func installCloudflaredBinary() error {
	suffix, err := archSuffix()
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/cloudflared-%s", githubLatestBase, suffix)

	tmpDir, err := os.MkdirTemp("", "portacode-cloudflared-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)
	tmpPath := filepath.Join(tmpDir, "cloudflared")

	if err := downloadFile(url, tmpPath); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o755); err != nil {
		return err
	}

	destDir := "/usr/local/bin"
	dest := filepath.Join(destDir, "cloudflared")
	if err := privileged.EnsureDir(destDir, 0o755); err != nil {
		return err
	}
	return privileged.CopyFile(tmpPath, dest, modePtr(0o755))
}

func modePtr(m os.FileMode) *os.FileMode { return &m }

// downloadFile shells out to curl, falling back to wget.
func downloadFile(url, dest string) error {
	if privileged.Have("curl") {
		_, err := privileged.RunChecked([]string{"curl", "-fL", url, "-o", dest}, false)
		return err
	}
	if privileged.Have("wget") {
		_, err := privileged.RunChecked([]string{"wget", "-O", dest, url}, false)
		return err
	}
	return fmt.Errorf("no downloader available (curl/wget)")
}
