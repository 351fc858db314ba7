// Package image generates worker Dockerfiles from capability sets and
// derives the deterministic cache tags that key the image cache.
package image

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// aptPackages maps simple capabilities to the apt package installed by the
// single combined install step.
var aptPackages = map[string]string{
	"GIT":  "git",
	"CURL": "curl",
}

// installBlocks maps complex capabilities to their Dockerfile instructions.
var installBlocks = map[string][]string{
	"GITHUB_CLI": {
		`RUN apt-get update && apt-get install -y --no-install-recommends curl gpg && \`,
		`    curl -fsSL https://cli.github.com/packages/githubcli-archive-keyring.gpg | gpg --dearmor -o /usr/share/keyrings/githubcli-archive-keyring.gpg && \`,
		`    echo "deb [arch=$(dpkg --print-architecture) signed-by=/usr/share/keyrings/githubcli-archive-keyring.gpg] https://cli.github.com/packages stable main" | tee /etc/apt/sources.list.d/github-cli.list > /dev/null && \`,
		`    apt-get update && apt-get install -y --no-install-recommends gh && \`,
		`    rm -rf /var/lib/apt/lists/*`,
	},
	"DOCKER": {
		// Docker CLI only; the socket is mounted at runtime.
		`RUN apt-get update && apt-get install -y --no-install-recommends docker.io && rm -rf /var/lib/apt/lists/*`,
	},
}

// complexOrder fixes the order complex install blocks appear in, so the
// generated Dockerfile is deterministic.
var complexOrder = []string{"GITHUB_CLI", "DOCKER"}

// CapabilityDocker is the capability that also requires the Docker socket
// mount at container start.
const CapabilityDocker = "DOCKER"

// Normalize upper-cases, deduplicates, and sorts a capability list. The
// result is the canonical form used for hashing and generation.
func Normalize(capabilities []string) []string {
	seen := make(map[string]bool, len(capabilities))
	var out []string
	for _, cap := range capabilities {
		upper := strings.ToUpper(cap)
		if !seen[upper] {
			seen[upper] = true
			out = append(out, upper)
		}
	}
	sort.Strings(out)
	return out
}

// Hash computes the 12-hex-character cache hash for an agent kind and
// capability set. The hash is stable under reordering, case changes, and
// duplicates of the capability list; different agent kinds with identical
// capabilities hash differently.
func Hash(agentKind string, capabilities []string) string {
	canonical := strings.ToLower(agentKind) + ":" + strings.Join(Normalize(capabilities), ",")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:12]
}

// Tag returns the full image tag for an agent kind and capability set.
// Pattern: {prefix}:{hash12}
func Tag(prefix, agentKind string, capabilities []string) string {
	return fmt.Sprintf("%s:%s", prefix, Hash(agentKind, capabilities))
}

// Builder generates worker Dockerfiles. Base images are per agent kind;
// install blocks can be extended by a capability overrides file.
type Builder struct {
	baseImages map[string]string
	extraApt   map[string]string
	extra      map[string][]string
	extraOrder []string
}

// NewBuilder creates a Dockerfile builder with a base image per agent kind.
func NewBuilder(baseImages map[string]string) *Builder {
	return &Builder{
		baseImages: baseImages,
		extraApt:   make(map[string]string),
		extra:      make(map[string][]string),
	}
}

// Dockerfile renders the deterministic Dockerfile for an agent kind and
// capability set: base image, one combined apt step for simple
// capabilities, complex blocks in fixed order, and the agent kind label.
func (b *Builder) Dockerfile(agentKind string, capabilities []string) (string, error) {
	base, ok := b.baseImages[strings.ToLower(agentKind)]
	if !ok {
		return "", fmt.Errorf("no base image configured for agent kind %q", agentKind)
	}

	lines := []string{fmt.Sprintf("FROM %s", base)}
	caps := Normalize(capabilities)

	var packages []string
	var complex []string
	for _, cap := range caps {
		if pkg, ok := aptPackages[cap]; ok {
			packages = append(packages, pkg)
		} else if pkg, ok := b.extraApt[cap]; ok {
			packages = append(packages, pkg)
		} else if _, ok := installBlocks[cap]; ok {
			complex = append(complex, cap)
		} else if _, ok := b.extra[cap]; ok {
			complex = append(complex, cap)
		} else {
			return "", fmt.Errorf("unknown capability %q", cap)
		}
	}

	if len(packages) > 0 {
		sort.Strings(packages)
		lines = append(lines, "",
			fmt.Sprintf("RUN apt-get update && apt-get install -y --no-install-recommends %s && rm -rf /var/lib/apt/lists/*",
				strings.Join(packages, " ")))
	}

	for _, cap := range b.orderedComplex(complex) {
		block := installBlocks[cap]
		if block == nil {
			block = b.extra[cap]
		}
		lines = append(lines, "")
		lines = append(lines, block...)
	}

	lines = append(lines, "", fmt.Sprintf("LABEL agent_kind=%s", strings.ToLower(agentKind)))
	return strings.Join(lines, "\n"), nil
}

// orderedComplex sorts complex capabilities by the fixed built-in order,
// with override-provided capabilities after, in registration order.
func (b *Builder) orderedComplex(caps []string) []string {
	present := make(map[string]bool, len(caps))
	for _, cap := range caps {
		present[cap] = true
	}
	var out []string
	for _, cap := range complexOrder {
		if present[cap] {
			out = append(out, cap)
			delete(present, cap)
		}
	}
	for _, cap := range b.extraOrder {
		if present[cap] {
			out = append(out, cap)
			delete(present, cap)
		}
	}
	return out
}
