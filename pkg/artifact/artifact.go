// Package artifact resolves an application's WASM bytecode, either inline
// from the spec or pulled from an OCI registry and verified by digest.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"

	apiv1alpha1 "github.com/apollo/wasmbed/api/wasmbed.io/v1alpha1"
)

// MediaTypeWasmLayer is the layer media type for WASM modules pushed as OCI
// artifacts.
const MediaTypeWasmLayer = "application/vnd.wasm.content.layer.v1+wasm"

// Injection points for tests.
var (
	orasCopy = func(ctx context.Context, src oras.ReadOnlyTarget, srcRef string, dst oras.Target, dstRef string, opts oras.CopyOptions) (ocispec.Descriptor, error) {
		return oras.Copy(ctx, src, srcRef, dst, dstRef, opts)
	}
	newRemoteRepository = func(ref string) (oras.ReadOnlyTarget, error) {
		return remote.NewRepository(ref)
	}
)

// Fetcher resolves WASM bytecode for applications. Pulled modules are cached
// in memory by digest, so steady-state reconciles do not touch the registry.
type Fetcher struct {
	mu    sync.Mutex
	cache map[digest.Digest][]byte
}

// NewFetcher constructs a Fetcher with an empty cache.
func NewFetcher() *Fetcher {
	return &Fetcher{cache: make(map[digest.Digest][]byte)}
}

// Resolve returns the application's module bytes. Inline bytes win; an OCI
// reference is pulled and, when a checksum is declared, verified against it.
func (f *Fetcher) Resolve(ctx context.Context, spec *apiv1alpha1.ApplicationSpec) ([]byte, error) {
	if len(spec.WasmBytes) > 0 {
		return spec.WasmBytes, nil
	}
	if spec.WasmArtifact == nil {
		return nil, fmt.Errorf("application has neither wasmBytes nor wasmArtifact")
	}
	return f.pull(ctx, spec.WasmArtifact)
}

func (f *Fetcher) pull(ctx context.Context, art *apiv1alpha1.WasmArtifact) ([]byte, error) {
	var want digest.Digest
	if art.ChecksumSHA256 != "" {
		want = digest.NewDigestFromEncoded(digest.SHA256, strings.ToLower(art.ChecksumSHA256))
		f.mu.Lock()
		data, ok := f.cache[want]
		f.mu.Unlock()
		if ok {
			return data, nil
		}
	}

	parsedRef, err := registry.ParseReference(strings.TrimSpace(art.Reference))
	if err != nil {
		return nil, fmt.Errorf("invalid oci ref %q: %w", art.Reference, err)
	}
	repo, err := newRemoteRepository(fmt.Sprintf("%s/%s", parsedRef.Registry, parsedRef.Repository))
	if err != nil {
		return nil, err
	}

	store := memory.New()
	desc, err := orasCopy(ctx, repo, parsedRef.Reference, store, parsedRef.Reference, oras.DefaultCopyOptions)
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", art.Reference, err)
	}

	manifestBytes, err := content.FetchAll(ctx, store, desc)
	if err != nil {
		return nil, err
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	layer, err := wasmLayer(manifest)
	if err != nil {
		return nil, err
	}
	data, err := content.FetchAll(ctx, store, layer)
	if err != nil {
		return nil, err
	}

	if want != "" {
		got := digest.FromBytes(data)
		if got != want {
			return nil, fmt.Errorf("module digest %s does not match declared checksum %s", got, want)
		}
	}

	f.mu.Lock()
	f.cache[digest.FromBytes(data)] = data
	f.mu.Unlock()
	return data, nil
}

func wasmLayer(manifest ocispec.Manifest) (ocispec.Descriptor, error) {
	for _, layer := range manifest.Layers {
		if layer.MediaType == MediaTypeWasmLayer {
			return layer, nil
		}
	}
	if len(manifest.Layers) == 1 {
		return manifest.Layers[0], nil
	}
	return ocispec.Descriptor{}, fmt.Errorf("manifest has no %s layer", MediaTypeWasmLayer)
}
