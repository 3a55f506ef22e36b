package coordinator

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/glog"

	"github.com/acoreyj/geniesync/replica"
)

// Persister keeps a replica's content on local storage across
// process restarts. Checkpoints are deliberately not persisted,
// they only exist to unwind uncommitted optimistic writes.
type Persister interface {
	// loads existing content into the engine
	StartAutoLoad() error
	// saves content after every committed local change
	StartAutoSave() error
	Stop()
}

// FilePersister writes the engine's full content to one json file.
// Suitable for client replicas, which are small. The server side
// uses the fragmented sqlite layout instead.
type FilePersister struct {
	engine replica.Engine
	path   string

	stateLock sync.Mutex
	unsub     func()
}

func NewFilePersister(engine replica.Engine, dir string, name string) (*FilePersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FilePersister{
		engine: engine,
		path:   filepath.Join(dir, name+".json"),
	}, nil
}

func (self *FilePersister) StartAutoLoad() error {
	contentBytes, err := os.ReadFile(self.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return self.engine.ApplyDelta(contentBytes)
}

func (self *FilePersister) StartAutoSave() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.unsub != nil {
		return nil
	}
	self.unsub = self.engine.Subscribe(func(delta *replica.Delta) {
		if err := self.save(); err != nil {
			glog.Infof("[p]save error %s = %s\n", self.path, err)
		}
	})
	return self.save()
}

func (self *FilePersister) save() error {
	contentBytes, err := self.engine.ProduceDelta()
	if err != nil {
		return err
	}
	// write-then-rename so a crash cannot leave a torn file
	tmpPath := self.path + ".tmp"
	if err := os.WriteFile(tmpPath, contentBytes, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, self.path)
}

func (self *FilePersister) Stop() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.unsub != nil {
		self.unsub()
		self.unsub = nil
	}
}

// used when no persist dir is configured
type noopPersister struct {
}

func (self *noopPersister) StartAutoLoad() error {
	return nil
}

func (self *noopPersister) StartAutoSave() error {
	return nil
}

func (self *noopPersister) Stop() {
}
