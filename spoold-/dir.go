package spoold

import (
	"path/filepath"
)

// DataDirPath returns to the path to "f". Either f itself when absolute, or
// interpreted relative to the data directory from the currently active
// configuration.
func DataDirPath(f string) string {
	return dataDirPath(ConfigStaticPath, Conf.Static.DataDir, f)
}

func configDirPath(configFile, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(filepath.Dir(configFile), f)
}

func dataDirPath(configFile, dataDir, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(configDirPath(configFile, dataDir), f)
}
