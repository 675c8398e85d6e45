package registry

import (
	"context"
	_ "crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/remotes/docker/auth"
	"github.com/containerd/platforms"
	"github.com/cruciblehq/cell/internal"
	"github.com/distribution/reference"
	"github.com/docker/go-units"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (

	// Upper bound on manifest and token response bodies.
	maxMetadataSize = 4 << 20

	// Temporary file name used when the blob URL yields none.
	fallbackBlobName = "blob"
)

// Media types accepted when fetching manifests, most preferred first.
var manifestMediaTypes = []string{
	images.MediaTypeDockerSchema2Manifest,
	images.MediaTypeDockerSchema2ManifestList,
	ocispec.MediaTypeImageManifest,
	ocispec.MediaTypeImageIndex,
}

// Client for the Docker Registry HTTP API v2.
type Distribution struct {
	name    string            // Configured registry name.
	base    *url.URL          // API root, ending in "/v2/".
	realm   string            // Token endpoint; discovered when empty.
	service string            // Service parameter sent to the token endpoint.
	client  *http.Client      // HTTP client for all requests.
	mu      sync.Mutex        // Guards tokens.
	tokens  map[string]string // Bearer token per repository; empty when anonymous.
}

// Creates a client for the registry described by ep.
func NewDistribution(name string, ep Endpoint, client *http.Client) (*Distribution, error) {
	base, err := url.Parse(ep.URL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.Wrapf(ErrConfig, "registry %s: invalid url %q", name, ep.URL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Distribution{
		name:    name,
		base:    base,
		realm:   ep.Auth,
		service: ep.Service,
		client:  client,
		tokens:  make(map[string]string),
	}, nil
}

// Returns the configured name of the registry.
func (d *Distribution) Name() string {
	return d.name
}

// Obtains a pull token for the image's repository.
//
// When no token endpoint is configured, the API root is probed: a registry
// that answers without a challenge is used anonymously, and a Bearer
// challenge supplies the realm and service.
func (d *Distribution) Authenticate(ctx context.Context, image reference.Named) error {
	if image == nil {
		return ErrImageNameMissing
	}
	repo := reference.Path(image)

	realm, service := d.realm, d.service
	if realm == "" {
		var err error
		realm, service, err = d.challenge(ctx)
		if err != nil {
			return err
		}
		if realm == "" {
			d.setToken(repo, "")
			slog.Debug("registry allows anonymous access", "registry", d.name)
			return nil
		}
	}

	token, err := d.fetchToken(ctx, realm, service, repo)
	if err != nil {
		return err
	}
	d.setToken(repo, token)
	slog.Debug("registry token obtained", "registry", d.name, "repository", repo)
	return nil
}

// Probes the API root and returns the Bearer realm and service, or an empty
// realm if the registry needs no authentication.
func (d *Distribution) challenge(ctx context.Context) (string, string, error) {
	req, err := d.newRequest(ctx, d.base.String(), "")
	if err != nil {
		return "", "", errors.Wrapf(ErrAuth, "%v", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", "", errors.Wrapf(ErrAuth, "probe %s: %v", d.base, err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return "", "", nil
	case http.StatusUnauthorized:
	default:
		return "", "", errors.Wrapf(ErrAuth, "probe %s: unexpected status %s", d.base, resp.Status)
	}

	for _, c := range auth.ParseAuthHeader(resp.Header) {
		if c.Scheme == auth.BearerAuth && c.Parameters["realm"] != "" {
			return c.Parameters["realm"], c.Parameters["service"], nil
		}
	}
	return "", "", errors.Wrapf(ErrAuth, "registry %s offers no bearer challenge", d.name)
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

func (d *Distribution) fetchToken(ctx context.Context, realm, service, repo string) (string, error) {
	u, err := url.Parse(realm)
	if err != nil {
		return "", errors.Wrapf(ErrAuth, "invalid realm %q", realm)
	}
	q := u.Query()
	q.Set("scope", fmt.Sprintf("repository:%s:pull", repo))
	if service != "" {
		q.Set("service", service)
	}
	u.RawQuery = q.Encode()

	req, err := d.newRequest(ctx, u.String(), "")
	if err != nil {
		return "", errors.Wrapf(ErrAuth, "%v", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(ErrAuth, "request token: %v", err)
	}
	defer drain(resp)

	if resp.StatusCode/100 != 2 {
		return "", errors.Wrapf(ErrAuth, "request token: unexpected status %s", resp.Status)
	}

	var body tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataSize)).Decode(&body); err != nil {
		return "", errors.Wrapf(ErrAuth, "decode token: %v", err)
	}
	token := body.Token
	if token == "" {
		token = body.AccessToken
	}
	if token == "" {
		return "", errors.Wrap(ErrAuth, "token response carries no token")
	}
	return token, nil
}

// Fetches the image manifest.
//
// A manifest list or OCI index is resolved to the entry matching the host
// platform, which is then fetched by digest.
func (d *Distribution) FetchManifest(ctx context.Context, image reference.Named) (ocispec.Manifest, digest.Digest, error) {
	if image == nil {
		return ocispec.Manifest{}, "", ErrImageNameMissing
	}

	ref := "latest"
	if digested, ok := image.(reference.Digested); ok {
		ref = digested.Digest().String()
	} else if tagged, ok := image.(reference.Tagged); ok {
		ref = tagged.Tag()
	}

	mediaType, body, dgst, err := d.getManifest(ctx, image, ref)
	if err != nil {
		return ocispec.Manifest{}, "", err
	}

	if images.IsIndexType(mediaType) {
		desc, err := selectPlatform(body)
		if err != nil {
			return ocispec.Manifest{}, "", err
		}
		slog.Debug("manifest selected from index", "image", reference.FamiliarString(image), "digest", desc.Digest, "platform", platforms.Format(*desc.Platform))

		if mediaType, body, dgst, err = d.getManifest(ctx, image, desc.Digest.String()); err != nil {
			return ocispec.Manifest{}, "", err
		}
		if dgst != desc.Digest {
			return ocispec.Manifest{}, "", errors.Wrapf(ErrManifest, "digest mismatch: index lists %s, received %s", desc.Digest, dgst)
		}
	}

	if !images.IsManifestType(mediaType) {
		return ocispec.Manifest{}, "", errors.Wrapf(ErrManifest, "unsupported media type %q", mediaType)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return ocispec.Manifest{}, "", errors.Wrapf(ErrManifest, "decode manifest: %v", err)
	}
	if manifest.MediaType == "" {
		manifest.MediaType = mediaType
	}
	return manifest, dgst, nil
}

// Fetches the manifest or index stored under ref and returns its media type,
// raw body and digest.
func (d *Distribution) getManifest(ctx context.Context, image reference.Named, ref string) (string, []byte, digest.Digest, error) {
	repo := reference.Path(image)
	req, err := d.newRequest(ctx, d.base.JoinPath(repo, "manifests", ref).String(), repo)
	if err != nil {
		return "", nil, "", errors.Wrapf(ErrManifest, "%v", err)
	}
	req.Header.Set("Accept", strings.Join(manifestMediaTypes, ", "))

	resp, err := d.client.Do(req)
	if err != nil {
		return "", nil, "", errors.Wrapf(ErrManifest, "fetch %s: %v", ref, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return "", nil, "", errors.Wrapf(ErrManifest, "fetch %s: unexpected status %s", ref, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return "", nil, "", errors.Wrapf(ErrManifest, "read %s: %v", ref, err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !images.IsIndexType(mediaType) && !images.IsManifestType(mediaType) {
		// Some registries serve manifests as plain JSON; the body knows.
		var probe struct {
			MediaType string `json:"mediaType"`
		}
		if err := json.Unmarshal(body, &probe); err != nil {
			return "", nil, "", errors.Wrapf(ErrManifest, "decode %s: %v", ref, err)
		}
		mediaType = probe.MediaType
	}

	return mediaType, body, digest.FromBytes(body), nil
}

// Returns the index entry matching the host platform.
func selectPlatform(body []byte) (ocispec.Descriptor, error) {
	var index ocispec.Index
	if err := json.Unmarshal(body, &index); err != nil {
		return ocispec.Descriptor{}, errors.Wrapf(ErrManifest, "decode index: %v", err)
	}

	matcher := platforms.Default()
	var best *ocispec.Descriptor
	for i := range index.Manifests {
		m := &index.Manifests[i]
		if m.Platform == nil || !matcher.Match(*m.Platform) {
			continue
		}
		if best == nil || matcher.Less(*m.Platform, *best.Platform) {
			best = m
		}
	}
	if best == nil {
		return ocispec.Descriptor{}, errors.Wrapf(ErrManifest, "no manifest for platform %s", platforms.DefaultString())
	}
	return *best, nil
}

// Downloads the layers concurrently, one request per layer.
//
// Each blob is verified against its digest while it streams to disk. The
// first failure cancels the remaining downloads.
func (d *Distribution) FetchLayers(ctx context.Context, image reference.Named, layers []ocispec.Descriptor, dir string) ([]string, error) {
	if image == nil {
		return nil, ErrImageNameMissing
	}
	repo := reference.Path(image)

	files := make([]string, len(layers))
	g, ctx := errgroup.WithContext(ctx)
	for i, layer := range layers {
		g.Go(func() error {
			path, err := d.fetchBlob(ctx, repo, i, layer, dir)
			if err != nil {
				return err
			}
			files[i] = path
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

func (d *Distribution) fetchBlob(ctx context.Context, repo string, index int, layer ocispec.Descriptor, dir string) (string, error) {
	if err := layer.Digest.Validate(); err != nil {
		return "", errors.Wrapf(ErrBlob, "layer %d: invalid digest %q", index, layer.Digest)
	}
	if !images.IsLayerType(layer.MediaType) {
		return "", errors.Wrapf(ErrBlob, "layer %d: unsupported media type %q", index, layer.MediaType)
	}

	req, err := d.newRequest(ctx, d.base.JoinPath(repo, "blobs", layer.Digest.String()).String(), repo)
	if err != nil {
		return "", errors.Wrapf(ErrBlob, "%v", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(ErrBlob, "fetch %s: %v", layer.Digest, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return "", errors.Wrapf(ErrBlob, "fetch %s: unexpected status %s", layer.Digest, resp.Status)
	}

	path := filepath.Join(dir, blobFileName(index, resp.Request.URL))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return "", errors.Wrapf(ErrBlob, "create %s: %v", path, err)
	}

	verifier := layer.Digest.Verifier()
	n, err := io.Copy(io.MultiWriter(f, verifier), resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", errors.Wrapf(ErrBlob, "download %s: %v", layer.Digest, err)
	}
	if layer.Size > 0 && n != layer.Size {
		return "", errors.Wrapf(ErrBlob, "%s: received %d bytes, expected %d", layer.Digest, n, layer.Size)
	}
	if !verifier.Verified() {
		return "", errors.Wrapf(ErrBlob, "%s: content does not match digest", layer.Digest)
	}

	slog.Debug("layer downloaded", "digest", layer.Digest, "size", units.HumanSize(float64(n)))
	return path, nil
}

// Returns the temporary file name for a downloaded blob.
//
// Registries and their storage backends address blobs by a path whose
// last-but-one segment identifies the content. The layer index keeps names
// unique when that segment is shared, as with the plain "blobs/<digest>"
// form.
func blobFileName(index int, u *url.URL) string {
	name := fallbackBlobName
	if u != nil {
		segments := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(segments) >= 2 {
			if s := segments[len(segments)-2]; s != "" && s != "." && s != ".." {
				name = s
			}
		}
	}
	return fmt.Sprintf("%04d-%s", index, name)
}

// Creates a GET request carrying the repository's token, if any.
func (d *Distribution) newRequest(ctx context.Context, rawURL, repo string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", internal.Name+"/"+internal.Version())

	if repo != "" {
		if token := d.token(repo); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

func (d *Distribution) setToken(repo, token string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens[repo] = token
}

func (d *Distribution) token(repo string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tokens[repo]
}

// Discards the rest of the body so the connection can be reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxMetadataSize))
	resp.Body.Close()
}
