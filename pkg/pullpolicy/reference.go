package pullpolicy

import (
	"strings"

	"github.com/distribution/reference"
)

// NormalizeReference expands an image reference to its fully qualified form so
// that short names reported by the engine compare equal to what users write.
// A digest pins the content, so a tag written next to it is dropped.
//
//	nginx                    -> docker.io/library/nginx:latest
//	user/repo:tag            -> docker.io/user/repo:tag
//	localhost:5000/image     -> localhost:5000/image:latest
//	redis:7@sha256:<hex>     -> docker.io/library/redis@sha256:<hex>
//
// References that do not parse are returned trimmed.
func NormalizeReference(ref string) string {
	named, err := normalize(ref)
	if err != nil {
		return strings.TrimSpace(ref)
	}
	return named.String()
}

// IsDigestReference reports whether ref pins a content digest.
func IsDigestReference(ref string) bool {
	named, err := reference.ParseNormalizedNamed(strings.TrimSpace(ref))
	if err != nil {
		return strings.Contains(ref, "@")
	}
	_, ok := named.(reference.Digested)
	return ok
}

func normalize(ref string) (reference.Named, error) {
	named, err := reference.ParseNormalizedNamed(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	if canonical, ok := named.(reference.Canonical); ok {
		return reference.WithDigest(reference.TrimNamed(named), canonical.Digest())
	}
	return reference.TagNameOnly(named), nil
}
