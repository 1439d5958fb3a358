// Package resolvers implements the Source Resolvers: given a
// blueprint.BlueprintSource, produce a spawnable blueprint.BlueprintArtifact
// in a named cache directory. Each variant is deterministic given its
// inputs so two nodes resolving the same source yield byte-identical
// artifacts.
package resolvers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
	"github.com/tangle-network/blueprint-core/internal/blueprint"
)

// Resolver produces an artifact for one BlueprintSource variant.
type Resolver interface {
	Resolve(ctx context.Context, src blueprint.BlueprintSource, cacheDir string) (blueprint.BlueprintArtifact, error)
}

// Options tune resolver-wide policy.
type Options struct {
	// AllowUncheckedAttestations scopes Open Question #3: disabling
	// attestation/checksum verification only weakens source resolution,
	// never BLS/JWT/TLS verification elsewhere.
	AllowUncheckedAttestations bool
}

// ForKind returns the Resolver implementing src.Kind.
func ForKind(kind blueprint.SourceKind, opts Options) (Resolver, error) {
	switch kind {
	case blueprint.SourceTesting:
		return TestingResolver{}, nil
	case blueprint.SourceGithub:
		return GithubResolver{Opts: opts}, nil
	case blueprint.SourceContainer:
		return ContainerResolver{Opts: opts}, nil
	case blueprint.SourceRemote:
		return RemoteResolver{Opts: opts}, nil
	default:
		return nil, apperrors.Configuration(fmt.Sprintf("unknown source kind %q", kind))
	}
}

// TestingResolver builds a binary from a local workspace. It reuses
// cacheDir/service-bin when that file already exists and otherwise runs
// the build command; no content hash is computed.
type TestingResolver struct{}

func (TestingResolver) Resolve(ctx context.Context, src blueprint.BlueprintSource, cacheDir string) (blueprint.BlueprintArtifact, error) {
	if src.WorkspacePath == "" {
		return blueprint.BlueprintArtifact{}, apperrors.Configuration("testing source requires a workspace path")
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return blueprint.BlueprintArtifact{}, apperrors.Other("failed to create cache dir", err)
	}

	binPath := filepath.Join(cacheDir, "service-bin")
	if _, err := os.Stat(binPath); err == nil {
		return artifactFromBinary(binPath, src), nil
	}

	args := src.BuildCommand
	if len(args) == 0 {
		args = []string{"go", "build", "-o", binPath, "."}
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = src.WorkspacePath
	if out, err := cmd.CombinedOutput(); err != nil {
		return blueprint.BlueprintArtifact{}, apperrors.Wrap(apperrors.KindOther, fmt.Sprintf("build failed: %s", out), err)
	}
	return artifactFromBinary(binPath, src), nil
}

// GithubResolver downloads a release asset, validating the binary hash
// unless explicitly disabled.
type GithubResolver struct {
	Opts Options
	// Fetch is the release-asset download function; overridable in tests.
	Fetch func(ctx context.Context, repo, tag, assetPattern string) ([]byte, error)
}

func (r GithubResolver) Resolve(ctx context.Context, src blueprint.BlueprintSource, cacheDir string) (blueprint.BlueprintArtifact, error) {
	if src.Repo == "" || src.Tag == "" {
		return blueprint.BlueprintArtifact{}, apperrors.Configuration("github source requires repo and tag")
	}
	fetch := r.Fetch
	if fetch == nil {
		fetch = defaultGithubFetch
	}
	data, err := fetch(ctx, src.Repo, src.Tag, src.AssetPattern)
	if err != nil {
		return blueprint.BlueprintArtifact{}, apperrors.Wrap(apperrors.KindTransport, "github asset download failed", err)
	}

	verified := false
	if src.BinaryHashHex != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != src.BinaryHashHex {
			if !r.Opts.AllowUncheckedAttestations {
				return blueprint.BlueprintArtifact{}, apperrors.Verification("github asset hash mismatch")
			}
		} else {
			verified = true
		}
	} else if !r.Opts.AllowUncheckedAttestations {
		return blueprint.BlueprintArtifact{}, apperrors.Verification("github source lacks a binary hash and unchecked attestations are disabled")
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return blueprint.BlueprintArtifact{}, apperrors.Other("failed to create cache dir", err)
	}
	binPath := filepath.Join(cacheDir, "service-bin")
	if err := os.WriteFile(binPath, data, 0o755); err != nil {
		return blueprint.BlueprintArtifact{}, apperrors.Other("failed to write binary", err)
	}

	art := artifactFromBinary(binPath, src)
	art.AttestationVerified = verified
	return art, nil
}

func defaultGithubFetch(ctx context.Context, repo, tag, assetPattern string) ([]byte, error) {
	return nil, apperrors.Transport("no github fetcher configured", nil)
}

// ContainerResolver verifies image digest pinning; the "artifact" is a
// container reference, no local filesystem materialization occurs.
type ContainerResolver struct {
	Opts Options
}

func (r ContainerResolver) Resolve(ctx context.Context, src blueprint.BlueprintSource, cacheDir string) (blueprint.BlueprintArtifact, error) {
	if src.Image == "" {
		return blueprint.BlueprintArtifact{}, apperrors.Configuration("container source requires an image reference")
	}
	if src.ImageDigest == "" && !r.Opts.AllowUncheckedAttestations {
		return blueprint.BlueprintArtifact{}, apperrors.Verification("container source lacks a pinned digest and unchecked attestations are disabled")
	}
	ref := src.Image
	if src.ImageDigest != "" {
		ref = src.Image + "@" + src.ImageDigest
	}
	return blueprint.BlueprintArtifact{
		ContainerRef:        ref,
		AttestationVerified: src.ImageDigest != "",
		Env:                 envContract(src.RequiredEnv),
		Args:                src.Args,
		SourceKind:          blueprint.SourceContainer,
	}, nil
}

// RemoteResolver fetches an artifact by URL, verifying its checksum if
// provided.
type RemoteResolver struct {
	Opts Options
	// Fetch is the URL download function; overridable in tests.
	Fetch func(ctx context.Context, url string) ([]byte, error)
}

func (r RemoteResolver) Resolve(ctx context.Context, src blueprint.BlueprintSource, cacheDir string) (blueprint.BlueprintArtifact, error) {
	if src.URL == "" {
		return blueprint.BlueprintArtifact{}, apperrors.Configuration("remote source requires a URL")
	}
	fetch := r.Fetch
	if fetch == nil {
		fetch = defaultRemoteFetch
	}
	data, err := fetch(ctx, src.URL)
	if err != nil {
		return blueprint.BlueprintArtifact{}, apperrors.Wrap(apperrors.KindTransport, "remote fetch failed", err)
	}

	verified := false
	if src.ChecksumHex != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != src.ChecksumHex {
			return blueprint.BlueprintArtifact{}, apperrors.Verification("remote artifact checksum mismatch")
		}
		verified = true
	} else if !r.Opts.AllowUncheckedAttestations {
		return blueprint.BlueprintArtifact{}, apperrors.Verification("remote source lacks a checksum and unchecked attestations are disabled")
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return blueprint.BlueprintArtifact{}, apperrors.Other("failed to create cache dir", err)
	}
	binPath := filepath.Join(cacheDir, "service-bin")
	if err := os.WriteFile(binPath, data, 0o755); err != nil {
		return blueprint.BlueprintArtifact{}, apperrors.Other("failed to write artifact", err)
	}

	art := artifactFromBinary(binPath, src)
	art.AttestationVerified = verified
	return art, nil
}

func defaultRemoteFetch(ctx context.Context, url string) ([]byte, error) {
	return nil, apperrors.Transport("no remote fetcher configured", nil)
}

func artifactFromBinary(path string, src blueprint.BlueprintSource) blueprint.BlueprintArtifact {
	return blueprint.BlueprintArtifact{
		ExecutablePath: path,
		Env:            envContract(src.RequiredEnv),
		Args:           src.Args,
		SourceKind:     src.Kind,
	}
}

func envContract(required []string) blueprint.EnvContract {
	c := make(blueprint.EnvContract, len(required))
	for _, k := range required {
		if v, ok := os.LookupEnv(k); ok {
			c[k] = v
		}
	}
	return c
}
