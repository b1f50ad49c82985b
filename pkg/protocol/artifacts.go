package protocol

import (
	"path"
	"strings"
)

// lockNameReplacer maps characters that are unsafe or ambiguous in a
// single file name to "_".
var lockNameReplacer = strings.NewReplacer("/", "_", `\`, "_", ":", "_")

// LockFileName returns the lock artifact file name for resource. The
// resource is cleaned first so "a/./b" and "a/b" share one lock. Distinct
// resources can map to one name ("a/b" and "a_b"); they then share a lock.
func LockFileName(resource string) string {
	cleaned := path.Clean(strings.ReplaceAll(resource, `\`, "/"))
	return LockPrefix + lockNameReplacer.Replace(cleaned)
}

// IsLockArtifact reports whether a repository-relative path names a lock artifact.
func IsLockArtifact(p string) bool {
	return !strings.Contains(p, "/") && strings.HasPrefix(p, LockPrefix)
}

// IsCoordinationArtifact reports whether a repository-relative path is
// owned by the coordination protocol (the shared document or a lock
// artifact). Merge conflicts on these are resolved by taking the remote
// copy; anything else is user content.
func IsCoordinationArtifact(p string) bool {
	return p == StateFile || IsLockArtifact(p)
}
