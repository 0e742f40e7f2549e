package utils

import (
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// RuntimeFileResolver locates data files such as manifest templates and
// format descriptions against a colon-separated search path, falling
// back to the working directory and the executable directory.
type RuntimeFileResolver struct {
	DataDirs   []string
	fileLookup map[string]string
}

func NewRuntimeFileResolver(searchPath string) *RuntimeFileResolver {
	resolver := &RuntimeFileResolver{
		fileLookup: make(map[string]string),
	}

	for _, dataDir := range strings.Split(searchPath, ":") {
		dataDir = strings.TrimSpace(dataDir)
		if len(dataDir) == 0 {
			continue
		}
		resolver.DataDirs = append(resolver.DataDirs, dataDir)
	}

	cwd, err := os.Getwd()
	if err == nil {
		resolver.DataDirs = append(resolver.DataDirs, cwd)
	} else {
		log.Printf("Failed to get CWD: %v", err)
	}

	executablePath := filepath.Dir(os.Args[0])
	resolver.DataDirs = append(resolver.DataDirs, executablePath)
	return resolver
}

func (r *RuntimeFileResolver) Resolve(filePath string) (string, error) {
	if strings.HasPrefix(filePath, "/") {
		return filePath, checkFile(filePath)
	}

	for _, dataDir := range r.DataDirs {
		p := path.Clean(path.Join(dataDir, filePath))
		if err := checkFile(p); err == nil {
			return p, nil
		}
	}

	return filePath, fmt.Errorf("failed to resolve %v", filePath)
}

// Lookup resolves and caches.
func (r *RuntimeFileResolver) Lookup(filePath string) (string, error) {
	if p, found := r.fileLookup[filePath]; found {
		return p, nil
	}

	p, err := r.Resolve(filePath)
	if err != nil {
		return "", err
	}
	r.fileLookup[filePath] = p
	return p, nil
}

func checkFile(filePath string) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return err
	}
	return nil
}
