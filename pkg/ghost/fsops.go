package ghost

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/overlord-fabric/overlord/pkg/protocol"
)

// handleListTree implements spec §6's list_tree request: the root plus every
// descendant, one FSEntry per node.
func (a *Agent) handleListTree(registry *protocol.Registry, req *protocol.Request) {
	var p protocol.PathPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		a.replyBadRequest(registry, req, err)
		return
	}
	root := resolveHomePath(p.Path)
	var out []protocol.FSEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			log.Printf("ghost: list_tree: skipping %s: %v", path, err)
			return nil
		}
		out = append(out, statEntry(path))
		return nil
	})
	if err != nil {
		_ = registry.SendResponse(req, protocol.StatusFailed, map[string]string{"error": err.Error()})
		return
	}
	_ = registry.SendResponse(req, protocol.StatusSuccess, out)
}

// handleFstat implements spec §6's fstat request: metadata for a single
// path. Unlike list_tree/create_symlink/mkdir, fstat rejects a non-absolute
// path outright instead of resolving it against the home directory.
func (a *Agent) handleFstat(registry *protocol.Registry, req *protocol.Request) {
	var p protocol.PathPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		a.replyBadRequest(registry, req, err)
		return
	}
	if !filepath.IsAbs(p.Path) {
		_ = registry.SendResponse(req, protocol.StatusFailed, map[string]string{"error": fmt.Sprintf("fstat: path %q is not absolute", p.Path)})
		return
	}
	_ = registry.SendResponse(req, protocol.StatusSuccess, statEntry(p.Path))
}

// handleCreateSymlink implements spec §4.6's create_symlink request.
func (a *Agent) handleCreateSymlink(registry *protocol.Registry, req *protocol.Request) {
	var p protocol.CreateSymlinkPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		a.replyBadRequest(registry, req, err)
		return
	}
	dest := resolveHomePath(p.Dest)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		_ = registry.SendResponse(req, protocol.StatusFailed, map[string]string{"error": err.Error()})
		return
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		_ = registry.SendResponse(req, protocol.StatusFailed, map[string]string{"error": err.Error()})
		return
	}
	if err := os.Symlink(p.Target, dest); err != nil {
		_ = registry.SendResponse(req, protocol.StatusFailed, map[string]string{"error": err.Error()})
		return
	}
	_ = registry.SendResponse(req, protocol.StatusSuccess, nil)
}

// handleMkdir implements spec §4.6's mkdir request: mkdir -p semantics
// against a home-relative path.
func (a *Agent) handleMkdir(registry *protocol.Registry, req *protocol.Request) {
	var p protocol.MkdirPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		a.replyBadRequest(registry, req, err)
		return
	}
	perm := os.FileMode(0o755)
	if p.Perm != 0 {
		perm = os.FileMode(p.Perm)
	}
	path := resolveHomePath(p.Path)
	if err := os.MkdirAll(path, perm); err != nil {
		_ = registry.SendResponse(req, protocol.StatusFailed, map[string]string{"error": err.Error()})
		return
	}
	_ = registry.SendResponse(req, protocol.StatusSuccess, nil)
}

// statEntry builds an FSEntry for path, reporting Exists: false rather than
// an error when the path is simply absent.
func statEntry(path string) protocol.FSEntry {
	lst, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return protocol.FSEntry{Path: path, Exists: false}
		}
		log.Printf("ghost: stat %s: %v", path, err)
		return protocol.FSEntry{Path: path, Exists: false}
	}

	entry := protocol.FSEntry{
		Path:   path,
		Perm:   uint32(lst.Mode().Perm()),
		Size:   lst.Size(),
		Mtime:  lst.ModTime().Unix(),
		Exists: true,
	}
	if lst.Mode()&os.ModeSymlink != 0 {
		entry.IsSymlink = true
		entry.IsDir = false
		if target, err := os.Readlink(path); err == nil {
			entry.LinkTarget = target
		}
		return entry
	}
	entry.IsDir = lst.IsDir()
	return entry
}
