package hsm

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

// SharedObject is a resolved PKCS#11 module or OpenSSL engine library
type SharedObject struct {
	Name string
	Path string
}

// Resolver locates shared objects on an ordered search path. HSM middleware
// lands in distribution-specific directories, so every lookup scans the
// whole path.
type Resolver struct {
	SearchPath []string
}

// Resolve returns the first regular file matching one of names. Directories
// are tried in order; within a directory, names are tried in order.
func (r Resolver) Resolve(names ...string) (SharedObject, error) {
	for _, dir := range r.SearchPath {
		expanded, err := homedir.Expand(dir)
		if err != nil {
			continue
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			continue
		}
		for _, name := range names {
			candidate := filepath.Join(abs, name)
			info, err := os.Stat(candidate)
			if err == nil && info.Mode().IsRegular() {
				return SharedObject{Name: name, Path: candidate}, nil
			}
		}
	}

	return SharedObject{}, &MissingSharedObjectError{
		Names:      append([]string(nil), names...),
		SearchPath: append([]string(nil), r.SearchPath...),
	}
}
