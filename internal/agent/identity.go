package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const identityFileName = "agent-id.txt"

// loadOrCreateIdentity reads the agent's persisted identifier from
// dataPath/agent-id.txt, generating and persisting a fresh uuid if the file
// does not yet exist. Per §6, this file is written once and only read
// thereafter — it is the one piece of state an agent restart must survive
// in order for sync-based crash recovery (§4.6) to find the right owner.
func loadOrCreateIdentity(dataPath string) (string, error) {
	if err := os.MkdirAll(dataPath, 0700); err != nil {
		return "", fmt.Errorf("create agent data dir: %w", err)
	}

	path := filepath.Join(dataPath, identityFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id == "" {
			return "", fmt.Errorf("%s is empty", path)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	id := "agent-" + uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return id, nil
}
