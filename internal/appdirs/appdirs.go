package appdirs

import (
	"os"
	"path/filepath"
)

const appDirName = "probly"

func DataDir() (string, error) {
	if override := os.Getenv("PROBLY_DATA_DIR"); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, appDirName), nil
}

func SandboxDir(dataDir string) string {
	return filepath.Join(dataDir, "sandbox")
}
