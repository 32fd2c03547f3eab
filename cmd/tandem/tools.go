package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/tandemhq/tandem/internal/agent"
)

// maxToolFileBytes bounds how much of a file the read_file tool returns.
const maxToolFileBytes = 256 * 1024

func registerBuiltinTools(reg *agent.Registry) {
	reg.Register(&readFileTool{})
	reg.Register(&listDirTool{})
}

type readFileTool struct{}

func (t *readFileTool) Name() string { return "read_file" }

func (t *readFileTool) Description() string {
	return "Read a text file from the local filesystem and return its contents."
}

func (t *readFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Absolute or relative file path"}
		},
		"required": ["path"]
	}`)
}

func (t *readFileTool) Execute(_ context.Context, args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) > maxToolFileBytes {
		return string(data[:maxToolFileBytes]) + fmt.Sprintf("\n[file truncated at %d bytes]", maxToolFileBytes), nil
	}
	return string(data), nil
}

type listDirTool struct{}

func (t *listDirTool) Name() string { return "list_dir" }

func (t *listDirTool) Description() string {
	return "List the entries of a directory, one name per line. Directories carry a trailing slash."
}

func (t *listDirTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory path, defaults to the working directory"}
		}
	}`)
}

func (t *listDirTool) Execute(_ context.Context, args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}
