// Package cache persists discovered GATT databases between runs so that a
// reconnecting client can skip discovery.
package cache

import (
	"fmt"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"

	aqua "github.com/jnorth314/Aquamarine"
)

type profileCache struct {
	filename string
	lock     sync.RWMutex
}

// New returns a file-backed profile cache. The file is created on the
// first Store.
func New(filename string) aqua.ProfileCache {
	pc := profileCache{
		filename: filename,
	}

	return &pc
}

func (pc *profileCache) Store(mac aqua.Addr, profile aqua.Profile, replace bool) error {
	pc.lock.Lock()
	defer pc.lock.Unlock()

	cache, err := pc.loadExisting()
	if err != nil {
		return err
	}

	_, ok := cache[mac.String()]
	if ok && !replace {
		return fmt.Errorf("cache already contains profile for %s", mac.String())
	}

	cache[mac.String()] = profile

	return pc.storeCache(cache)
}

func (pc *profileCache) Load(mac aqua.Addr) (aqua.Profile, error) {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	cache, err := pc.loadExisting()
	if err != nil {
		return aqua.Profile{}, err
	}

	p, ok := cache[mac.String()]
	if !ok {
		return aqua.Profile{}, fmt.Errorf("profile for %s not found in cache", mac.String())
	}

	return p, nil
}

func (pc *profileCache) Clear() error {
	pc.lock.Lock()
	defer pc.lock.Unlock()

	err := os.Remove(pc.filename)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

func (pc *profileCache) loadExisting() (map[string]aqua.Profile, error) {
	_, err := os.Stat(pc.filename)
	if os.IsNotExist(err) {
		return map[string]aqua.Profile{}, nil
	}

	in, err := os.ReadFile(pc.filename)
	if err != nil {
		return nil, err
	}

	var cache map[string]aqua.Profile
	err = jsoniter.Unmarshal(in, &cache)
	if err != nil {
		return nil, err
	}

	return cache, nil
}

func (pc *profileCache) storeCache(cache map[string]aqua.Profile) error {
	out, err := jsoniter.Marshal(cache)
	if err != nil {
		return err
	}

	return os.WriteFile(pc.filename, out, 0644)
}
