package image

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBuilder() *Builder {
	return NewBuilder(map[string]string{
		"claude":  "drover-wrapper-claude:latest",
		"factory": "drover-wrapper-factory:latest",
	})
}

func TestHash(t *testing.T) {
	t.Run("stable under order, case and duplicates", func(t *testing.T) {
		base := Hash("claude", []string{"GIT", "DOCKER"})
		assert.Equal(t, base, Hash("claude", []string{"DOCKER", "GIT"}))
		assert.Equal(t, base, Hash("claude", []string{"git", "docker"}))
		assert.Equal(t, base, Hash("claude", []string{"Git", "docker", "GIT"}))
	})

	t.Run("agent kind distinguishes identical capabilities", func(t *testing.T) {
		assert.NotEqual(t,
			Hash("claude", []string{"GIT"}),
			Hash("factory", []string{"GIT"}))
	})

	t.Run("matches the canonical string contract", func(t *testing.T) {
		sum := sha256.Sum256([]byte("claude:GIT"))
		expected := hex.EncodeToString(sum[:])[:12]
		assert.Equal(t, expected, Hash("claude", []string{"GIT"}))
		assert.Len(t, Hash("claude", []string{"GIT"}), 12)
	})

	t.Run("different capability sets differ", func(t *testing.T) {
		assert.NotEqual(t,
			Hash("claude", []string{"GIT"}),
			Hash("claude", []string{"GIT", "CURL"}))
	})
}

func TestTag(t *testing.T) {
	tag := Tag("worker", "claude", []string{"GIT"})
	assert.True(t, strings.HasPrefix(tag, "worker:"))
	assert.Equal(t, "worker:"+Hash("claude", []string{"GIT"}), tag)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, []string{"CURL", "DOCKER", "GIT"}, Normalize([]string{"git", "Docker", "CURL", "GIT"}))
	assert.Empty(t, Normalize(nil))
}

func TestDockerfile(t *testing.T) {
	b := testBuilder()

	t.Run("no capabilities yields base plus label", func(t *testing.T) {
		df, err := b.Dockerfile("claude", nil)
		require.NoError(t, err)
		assert.Equal(t, "FROM drover-wrapper-claude:latest\n\nLABEL agent_kind=claude", df)
	})

	t.Run("simple capabilities combine into one sorted apt step", func(t *testing.T) {
		df, err := b.Dockerfile("claude", []string{"CURL", "GIT"})
		require.NoError(t, err)
		assert.Contains(t, df, "apt-get install -y --no-install-recommends curl git ")
		assert.Equal(t, 1, strings.Count(df, "apt-get update"))
	})

	t.Run("complex blocks follow in fixed order", func(t *testing.T) {
		df, err := b.Dockerfile("claude", []string{"DOCKER", "GITHUB_CLI", "GIT"})
		require.NoError(t, err)

		gitIdx := strings.Index(df, "install -y --no-install-recommends git")
		ghIdx := strings.Index(df, "cli.github.com")
		dockerIdx := strings.Index(df, "docker.io")
		require.True(t, gitIdx >= 0 && ghIdx >= 0 && dockerIdx >= 0)
		assert.Less(t, gitIdx, ghIdx, "apt step precedes complex blocks")
		assert.Less(t, ghIdx, dockerIdx, "GITHUB_CLI precedes DOCKER")

		assert.True(t, strings.HasSuffix(df, "LABEL agent_kind=claude"))
	})

	t.Run("deterministic for equivalent inputs", func(t *testing.T) {
		a, err := b.Dockerfile("claude", []string{"git", "DOCKER"})
		require.NoError(t, err)
		c, err := b.Dockerfile("claude", []string{"DOCKER", "GIT", "docker"})
		require.NoError(t, err)
		assert.Equal(t, a, c)
	})

	t.Run("unknown capability errors", func(t *testing.T) {
		_, err := b.Dockerfile("claude", []string{"KUBECTL"})
		assert.Error(t, err)
	})

	t.Run("unknown agent kind errors", func(t *testing.T) {
		_, err := b.Dockerfile("gpt", []string{"GIT"})
		assert.Error(t, err)
	})
}

func TestLoadOverrides(t *testing.T) {
	writeOverrides := func(t *testing.T, content string) string {
		t.Helper()
		path := t.TempDir() + "/capabilities.yml"
		require.NoError(t, writeFile(path, content))
		return path
	}

	t.Run("apt package override joins the combined step", func(t *testing.T) {
		b := testBuilder()
		path := writeOverrides(t, "capabilities:\n  JQ:\n    apt_package: jq\n")
		require.NoError(t, b.LoadOverrides(path))

		df, err := b.Dockerfile("claude", []string{"GIT", "jq"})
		require.NoError(t, err)
		assert.Contains(t, df, "--no-install-recommends git jq ")
	})

	t.Run("install block override appends after built-ins", func(t *testing.T) {
		b := testBuilder()
		path := writeOverrides(t, "capabilities:\n  RUSTUP:\n    install:\n      - \"RUN curl https://sh.rustup.rs -sSf | sh -s -- -y\"\n")
		require.NoError(t, b.LoadOverrides(path))

		df, err := b.Dockerfile("claude", []string{"DOCKER", "RUSTUP"})
		require.NoError(t, err)
		assert.Less(t, strings.Index(df, "docker.io"), strings.Index(df, "rustup.rs"))
	})

	t.Run("built-ins cannot be redefined", func(t *testing.T) {
		b := testBuilder()
		path := writeOverrides(t, "capabilities:\n  GIT:\n    apt_package: git-lfs\n")
		assert.Error(t, b.LoadOverrides(path))
	})

	t.Run("empty definitions are rejected", func(t *testing.T) {
		b := testBuilder()
		path := writeOverrides(t, "capabilities:\n  NOOP: {}\n")
		assert.Error(t, b.LoadOverrides(path))
	})
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}
