package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	appName = "cell"

	// Base directory for privileged runs.
	SystemRoot = "/var/lib/cell"

	// Name of the image cache directory under the base.
	ImagesDir = "images"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Base directory for container root filesystems and the image cache.
//
//	root:   /var/lib/cell
//	others: $XDG_DATA_HOME/cell
func Root() string {
	if os.Geteuid() == 0 {
		return SystemRoot
	}
	return filepath.Join(xdg.DataHome, appName)
}

// Image cache directory under the given base.
func Images(root string) string {
	return filepath.Join(root, ImagesDir)
}

// Registries file, if one exists in any of the XDG config directories.
//
// Returns an empty string when no file is found.
func RegistriesFile() string {
	path, err := xdg.SearchConfigFile(filepath.Join(appName, "registries.yaml"))
	if err != nil {
		return ""
	}
	return path
}
