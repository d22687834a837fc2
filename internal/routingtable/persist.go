package routingtable

import (
	"errors"
	"os"
	"time"

	"github.com/cenkalti/dhtnode/internal/key"
	"github.com/cenkalti/dhtnode/internal/krpc"
	bolt "go.etcd.io/bbolt"
)

// Keys for the persistent storage.
var Keys = struct {
	Meta   []byte
	Nodes  []byte
	RootID []byte
	Saved  []byte
}{
	Meta:   []byte("meta"),
	Nodes:  []byte("nodes"),
	RootID: []byte("root_id"),
	Saved:  []byte("saved_at"),
}

var errNoPath = errors.New("no routing table path")

func openDB(path string, readOnly bool) (*bolt.DB, error) {
	return bolt.Open(path, 0640, &bolt.Options{Timeout: time.Second, ReadOnly: readOnly})
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readRootID(path string) (key.Key, error) {
	if path == "" || !exists(path) {
		return key.Zero, nil
	}
	db, err := openDB(path, true)
	if err != nil {
		return key.Zero, err
	}
	defer db.Close()
	var root key.Key
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(Keys.Meta)
		if b == nil {
			return nil
		}
		v := b.Get(Keys.RootID)
		if v == nil {
			return nil
		}
		root, err = key.FromBytes(v)
		return err
	})
	return root, err
}

func readNodes(path string, ipv6 bool) ([]krpc.NodeInfo, error) {
	db, err := openDB(path, true)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	var nodes []krpc.NodeInfo
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(Keys.Nodes)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			id, err := key.FromBytes(k)
			if err != nil {
				return nil
			}
			found := krpc.DecodeNodes(string(k)+string(v), ipv6)
			if len(found) == 1 && found[0].ID == id {
				nodes = append(nodes, found[0])
			}
			return nil
		})
	})
	return nodes, err
}

// Load inserts the contacts saved at the table path in a new goroutine and calls onComplete when done.
// onComplete is called even if there is nothing to load.
func (t *Table) Load(onComplete func()) {
	go func() {
		defer onComplete()
		if t.path == "" || !exists(t.path) {
			return
		}
		nodes, err := readNodes(t.path, t.ipv6)
		if err != nil {
			t.log.Errorln("cannot load routing table:", err)
			return
		}
		for _, n := range nodes {
			t.Add(n)
		}
		t.log.Infof("loaded %d nodes from %s", len(nodes), t.path)
	}()
}

// Save writes the root id and all contacts to the bolt database at path, replacing previous contents.
func (t *Table) Save(path string) error {
	if path == "" {
		return errNoPath
	}
	entries := t.Entries()
	db, err := openDB(path, false)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(Keys.Meta)
		if err != nil {
			return err
		}
		if err = meta.Put(Keys.RootID, t.root[:]); err != nil {
			return err
		}
		saved, err := t.clock.Now().MarshalText()
		if err != nil {
			return err
		}
		if err = meta.Put(Keys.Saved, saved); err != nil {
			return err
		}
		if tx.Bucket(Keys.Nodes) != nil {
			if err = tx.DeleteBucket(Keys.Nodes); err != nil {
				return err
			}
		}
		nodes, err := tx.CreateBucket(Keys.Nodes)
		if err != nil {
			return err
		}
		for _, e := range entries {
			packed := krpc.EncodeNodes([]krpc.NodeInfo{e.NodeInfo}, t.ipv6)
			if len(packed) <= key.Length {
				continue
			}
			if err = nodes.Put(e.ID[:], []byte(packed[key.Length:])); err != nil {
				return err
			}
		}
		return nil
	})
}
