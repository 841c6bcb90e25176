package batch

import (
	"path/filepath"
	"strings"
)

// PartStem is the part's file name without its extension.
func PartStem(partPath string) string {
	base := filepath.Base(partPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ExportDir is the folder a batch writes into:
// <outputRoot>/<stem>_batch_exports.
func ExportDir(outputRoot, partPath string) string {
	return filepath.Join(outputRoot, PartStem(partPath)+"_batch_exports")
}

// OriginalPath is where the unmodified part is exported.
func OriginalPath(outputRoot, partPath string, format Format) string {
	stem := PartStem(partPath)
	return filepath.Join(ExportDir(outputRoot, partPath), stem+"_"+originalFilenameStem+"."+string(format))
}

// ConfigPath is where a configuration is exported:
// <outputRoot>/<stem>_batch_exports/<stem>_<filename>.<format>.
func ConfigPath(outputRoot, partPath, filename string, format Format) string {
	stem := PartStem(partPath)
	return filepath.Join(ExportDir(outputRoot, partPath), stem+"_"+filename+"."+string(format))
}
