// Package registry pulls images from remote registries into the image cache.
//
// A [Registry] exposes the three steps of a pull: authenticate for a
// repository, fetch its manifest, and download its layer blobs.
// [Distribution] implements them against the Docker Registry HTTP API v2,
// which Docker Hub and most self-hosted registries speak. Registries are
// configured by name in a [Config]; the "docker" entry pointing at Docker Hub
// is always present.
//
// [Pull] runs the steps as a single transaction. Blobs are downloaded
// concurrently into a temporary directory that is removed however the pull
// ends, and the image cache is only updated once every layer has arrived and
// matched its digest. A failed pull leaves the cache as it was.
//
// Example usage:
//
//	cfg, err := registry.LoadConfig(paths.RegistriesFile())
//	if err != nil {
//	    return err
//	}
//	reg, err := cfg.Open("docker", "busybox")
//	if err != nil {
//	    return err
//	}
//	if err := registry.Pull(ctx, reg, store, "busybox"); err != nil {
//	    return err
//	}
package registry
