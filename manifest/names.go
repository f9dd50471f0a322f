package manifest

import (
	"fmt"
	"strings"
)

// bootstrapNames lists image names only the system image may use.
var bootstrapNames = map[string]bool{
	"system.private.corelib": true,
	"mscorlib":               true,
	"corelib":                true,
}

// IsBootstrapName reports whether name is reserved for the system image.
// The comparison ignores case and a trailing ".dll".
func IsBootstrapName(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimSuffix(n, ".dll")
	return bootstrapNames[n]
}

// checkNames enforces unique image names, at most one system image, and
// dependencies that name declared images.
func checkNames(images []Image) error {
	seen := make(map[string]bool, len(images))
	system := ""
	for _, img := range images {
		if seen[img.Name] {
			return fmt.Errorf("duplicate image %q", img.Name)
		}
		seen[img.Name] = true

		if img.System {
			if system != "" {
				return fmt.Errorf("images %q and %q are both marked system", system, img.Name)
			}
			system = img.Name
		} else if IsBootstrapName(img.Name) {
			return fmt.Errorf("image %q uses a name reserved for the system image; set system = true", img.Name)
		}
	}
	for _, img := range images {
		for _, dep := range img.Deps {
			if !seen[dep] {
				return fmt.Errorf("image %q depends on undeclared image %q", img.Name, dep)
			}
		}
	}
	return nil
}
