// Package version carries build metadata set with -ldflags:
//
//	go build -ldflags "-X github.com/mordilloSan/truenas-passwd/common/version.Version=v0.3.0"
package version

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
)

var (
	Version   = "untracked"
	CommitSHA = "untracked"
	BuildTime = "unknown"

	shaOnce sync.Once
	shaHex  string
)

// Info is the build description served by /api/version.
type Info struct {
	Version   string `json:"version"`
	CommitSHA string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	SHA256    string `json:"sha256,omitempty"`
}

func Get() Info {
	return Info{
		Version:   Version,
		CommitSHA: CommitSHA,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// WithChecksum adds the running binary's SHA-256.
func (i Info) WithChecksum() Info {
	i.SHA256 = SelfSHA256()
	return i
}

func (i Info) String() string {
	return fmt.Sprintf("truenas-passwd %s (commit %s, built %s, %s %s)",
		i.Version, i.CommitSHA, i.BuildTime, i.GoVersion, i.Platform)
}

// SelfSHA256 hashes the running executable once; "unknown" on failure.
func SelfSHA256() string {
	shaOnce.Do(func() {
		shaHex = "unknown"
		exe, err := os.Executable()
		if err != nil {
			return
		}
		f, err := os.Open(exe)
		if err != nil {
			return
		}
		defer f.Close()

		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return
		}
		shaHex = hex.EncodeToString(h.Sum(nil))
	})
	return shaHex
}
