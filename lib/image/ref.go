package image

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/distribution/reference"
)

const defaultTag = "latest"

// knownRegistryHosts disambiguates the 2-token form even when the first
// token carries no dot (§4.7).
var knownRegistryHosts = map[string]bool{
	"ghcr.io":             true,
	"docker.io":           true,
	"quay.io":             true,
	"registry.hub.docker.com": true,
	"localhost":           true,
}

var nameComponent = regexp.MustCompile(`^(?:` + reference.NameRegexp.String() + `)$`)

// Parse implements §4.7's ImageRef parsing: name[:tag], org/name[:tag], or
// registry/org/name[:tag]. The 2-token form disambiguates by the
// dot-or-known-host heuristic; defaultRegistry/defaultOrg fill in whichever
// half the heuristic leaves unspecified.
func Parse(raw, defaultRegistry, defaultOrg string) (Ref, error) {
	name, tag := raw, defaultTag
	if idx := strings.LastIndex(raw, ":"); idx != -1 && !strings.Contains(raw[idx:], "/") {
		name, tag = raw[:idx], raw[idx+1:]
	}

	parts := strings.Split(name, "/")
	switch len(parts) {
	case 1:
		return validate(Ref{Registry: defaultRegistry, Org: defaultOrg, Name: parts[0], Tag: tag})
	case 2:
		if isRegistryHost(parts[0]) {
			return validate(Ref{Registry: parts[0], Org: defaultOrg, Name: parts[1], Tag: tag})
		}
		return validate(Ref{Registry: defaultRegistry, Org: parts[0], Name: parts[1], Tag: tag})
	case 3:
		return validate(Ref{Registry: parts[0], Org: parts[1], Name: parts[2], Tag: tag})
	default:
		return Ref{}, fmt.Errorf("%w: %q has too many path segments", ErrInvalidInput, raw)
	}
}

func isRegistryHost(token string) bool {
	return strings.Contains(token, ".") || knownRegistryHosts[token]
}

func validate(ref Ref) (Ref, error) {
	if ref.Name == "" {
		return Ref{}, fmt.Errorf("%w: empty image name", ErrInvalidInput)
	}
	if !nameComponent.MatchString(ref.Org + "/" + ref.Name) {
		return Ref{}, fmt.Errorf("%w: %q is not a valid name", ErrInvalidInput, ref.Org+"/"+ref.Name)
	}
	return ref, nil
}
