package provenance

import (
	"runtime"
	"runtime/debug"

	"github.com/go-git/go-git/v5"

	"github.com/kokistudios/vireon/internal/capsule"
)

// Unknown is recorded when a value cannot be determined.
const Unknown = "UNKNOWN"

// Collect describes the environment a capsule is produced in. dir is any
// path inside the repository whose HEAD revision should be recorded.
func Collect(dir string) capsule.Provenance {
	return capsule.Provenance{
		GitSHA:   GitRevision(dir),
		Platform: runtime.GOOS + "-" + runtime.GOARCH,
		Runtime:  runtime.Version(),
		Deps:     Deps(),
	}
}

// GitRevision returns the HEAD commit hash of the repository containing
// dir, or Unknown.
func GitRevision(dir string) string {
	if dir == "" {
		return Unknown
	}
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return Unknown
	}
	head, err := repo.Head()
	if err != nil {
		return Unknown
	}
	return head.Hash().String()
}

// Deps returns module path to version for every dependency linked into
// the running binary.
func Deps() map[string]string {
	deps := map[string]string{}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return deps
	}
	for _, d := range info.Deps {
		if d.Replace != nil {
			d = d.Replace
		}
		deps[d.Path] = d.Version
	}
	return deps
}
