package keys

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Peer is a remote tenant this tenant may exchange files with. Secret is
// shared by both sides and keys both the instruction seal and bearer tokens.
type Peer struct {
	Identity string `json:"identity"`
	URL      string `json:"url"`
	Secret   string `json:"secret"`
}

type Directory struct {
	peers map[string]Peer
}

func NewDirectory(peers ...Peer) (*Directory, error) {
	d := &Directory{peers: map[string]Peer{}}
	for _, p := range peers {
		p.Identity = strings.ToLower(strings.TrimSpace(p.Identity))
		p.URL = strings.TrimRight(strings.TrimSpace(p.URL), "/")
		if p.Identity == "" {
			return nil, fmt.Errorf("peer identity is required")
		}
		if p.Secret == "" {
			return nil, fmt.Errorf("peer %s: secret is required", p.Identity)
		}
		if _, dup := d.peers[p.Identity]; dup {
			return nil, fmt.Errorf("peer %s listed twice", p.Identity)
		}
		d.peers[p.Identity] = p
	}
	return d, nil
}

// LoadDirectory reads a JSON array of peers from path. Peers listed without a
// secret take fallbackSecret. An empty path yields an empty directory.
func LoadDirectory(path, fallbackSecret string) (*Directory, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewDirectory()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read peer directory: %w", err)
	}
	var peers []Peer
	if err := json.Unmarshal(data, &peers); err != nil {
		return nil, fmt.Errorf("decode peer directory %s: %w", path, err)
	}
	for i := range peers {
		if peers[i].Secret == "" {
			peers[i].Secret = fallbackSecret
		}
	}
	return NewDirectory(peers...)
}

func (d *Directory) Lookup(identity string) (Peer, bool) {
	if d == nil {
		return Peer{}, false
	}
	p, ok := d.peers[strings.ToLower(strings.TrimSpace(identity))]
	return p, ok
}

func (d *Directory) Identities() []string {
	if d == nil {
		return nil
	}
	out := make([]string, 0, len(d.peers))
	for id := range d.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
