// Provides the on-disk locations used by cell.
//
// Everything lives under one base directory. Root runs use the well-known
// system path; unprivileged runs (which can still pull and list images) fall
// back to the XDG data directory. Per-container root filesystems are created
// directly under the base, and pulled images are cached in its "images"
// subdirectory.
package paths
