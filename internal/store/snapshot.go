package store

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"meshmon/internal/model"
)

// Snapshot is a node directory persisted to disk, used to replay analysis
// offline.
type Snapshot struct {
	UpdatedAt time.Time    `yaml:"updated_at"`
	Local     string       `yaml:"local,omitempty"`
	Nodes     []model.Node `yaml:"nodes"`
}

// NewSnapshot captures a directory in stable id order.
func NewSnapshot(db model.NodeDB, local string) *Snapshot {
	snap := &Snapshot{Local: model.NormalizeID(local), Nodes: make([]model.Node, 0, len(db))}
	for _, id := range db.SortedIDs() {
		n := db[id]
		if n.ID == "" {
			n.ID = id
		}
		snap.Nodes = append(snap.Nodes, n)
	}
	return snap
}

// NodeDB rebuilds the directory keyed by normalized id. Entries without an id
// are dropped.
func (s *Snapshot) NodeDB() model.NodeDB {
	db := make(model.NodeDB, len(s.Nodes))
	for _, n := range s.Nodes {
		id := model.NormalizeID(n.ID)
		if id == "" {
			continue
		}
		n.ID = id
		db[id] = n
	}
	return db
}

// LocalNode returns the snapshot's local node, if it is in the directory.
func (s *Snapshot) LocalNode() (model.Node, bool) {
	if s.Local == "" {
		return model.Node{}, false
	}
	return s.NodeDB().Lookup(s.Local)
}

// LoadSnapshot loads a snapshot from disk. If the file is missing, returns an empty snapshot.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Snapshot{}, nil
		}
		return nil, err
	}

	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, err
	}

	return &snap, nil
}

// SaveSnapshot writes the snapshot to disk.
func SaveSnapshot(path string, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	snap.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(snap)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}
