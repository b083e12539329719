package protocol

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
)

// ErrNoBrowser means no local browser-automation binary could be located.
var ErrNoBrowser = errors.New("no browser automation binary found")

// candidate locations per platform, checked after BROWSER_PATH and PATH.
var browserCandidates = map[string][]string{
	"linux": {
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
		"/snap/bin/chromium",
	},
	"darwin": {
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	},
	"windows": {
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
	},
}

var lookupNames = []string{"chromium", "chromium-browser", "google-chrome", "chrome"}

// ResolveBrowserPath locates the browser binary: an explicit override wins,
// then PATH, then the platform's well-known install locations.
func ResolveBrowserPath(override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", ErrNoBrowser
		}
		return override, nil
	}

	for _, name := range lookupNames {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}

	for _, path := range browserCandidates[runtime.GOOS] {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", ErrNoBrowser
}
