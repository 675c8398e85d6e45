// Package archive unpacks image layers and root filesystem tarballs.
//
// [Extract] reads a tar stream in a single pass, transparently
// decompressing gzip and zstd input, and recreates its entries under a
// destination directory. Entries are confined to the destination: names
// containing ".." and hard links pointing outside are rejected with
// [ErrBreakout], and symlinks created by earlier entries are resolved inside
// the destination rather than on the host.
//
// Layers are flattened by extracting them one after another into the same
// directory. OCI whiteout entries are honoured so that a later layer can
// delete files and empty directories contributed by earlier ones.
package archive
