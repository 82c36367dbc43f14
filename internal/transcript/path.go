package transcript

import (
	"path/filepath"
	"strings"
)

// OutputPath derives the artifact path for a given input file, mirroring
// the reference implementation's `os.path.join(output_folder,
// base_name + ".txt")`.
func OutputPath(outputFolder, inputFilePath string) string {
	base := filepath.Base(inputFilePath)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	return filepath.Join(outputFolder, name+".txt")
}
