// Package history keeps a git-versioned JSON snapshot of the dapp
// connection store so a profile's connections can be audited, pushed to a
// remote and pulled onto another machine.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rexliu/dappbridge/pkg/core"
)

// SnapshotFile is the file name written inside the history directory.
const SnapshotFile = "connections.json"

const snapshotVersion = 1

// Snapshot is the on-disk form of the connection store.
type Snapshot struct {
	Version int             `json:"version"`
	Dapps   []core.DappInfo `json:"dapps"`
}

// WriteSnapshot replaces dir/connections.json with infos sorted by origin.
// The file is written to a temp file first and renamed into place.
func WriteSnapshot(dir string, infos []core.DappInfo) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	snap := Snapshot{Version: snapshotVersion, Dapps: make([]core.DappInfo, 0, len(infos))}
	for _, info := range infos {
		snap.Dapps = append(snap.Dapps, info.Clone())
	}
	sort.Slice(snap.Dapps, func(i, j int) bool { return snap.Dapps[i].Origin < snap.Dapps[j].Origin })

	tmp, err := os.CreateTemp(dir, ".connections-*.json")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		tmp.Close()
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	path := filepath.Join(dir, SnapshotFile)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

// ReadSnapshot loads dir/connections.json. Every record is validated.
func ReadSnapshot(dir string) (Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(dir, SnapshotFile))
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return Snapshot{}, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	for _, info := range snap.Dapps {
		if err := core.ValidateDappInfo(info); err != nil {
			return Snapshot{}, fmt.Errorf("snapshot: %w", err)
		}
	}
	return snap, nil
}
