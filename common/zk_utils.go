package common

import (
	"encoding/json"
	"errors"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/samuel/go-zookeeper/zk"
)

const ZK_SESSION_TIMEOUT = 3 * time.Second

func ConnectToZk(servers []string) (*zk.Conn, error) {
	conn, _, err := zk.Connect(servers, ZK_SESSION_TIMEOUT, zk.WithLogger(&ZkLoggerAdapter{}))
	return conn, err
}

func EnsurePathRecursive(conn *zk.Conn, p string) error {
	// ensure p layer by layer
	dirs := strings.Split(strings.Trim(p, "/"), "/")
	cp := "/"
	for _, d := range dirs {
		cp = path.Join(cp, d)
		if err := EnsurePath(conn, cp); err != nil {
			return err
		}
	}
	return nil
}

func EnsurePath(conn *zk.Conn, p string) error {
	exists, _, err := conn.Exists(p)
	if err != nil {
		return err
	}
	if !exists {
		_, err = conn.Create(p, []byte(""), 0, zk.WorldACL(zk.PermAll))
		if err != nil && err != zk.ErrNodeExists {
			return err
		}
	}
	return nil
}

// ZkCreate stores v as json under p.
func ZkCreate(conn *zk.Conn, p string, v interface{}, ephemeral bool, sequential bool) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var flags int32
	if ephemeral {
		flags |= zk.FlagEphemeral
	}
	if sequential {
		flags |= zk.FlagSequence
	}
	return conn.Create(p, b, flags, zk.WorldACL(zk.PermAll))
}

func ZkGet(conn *zk.Conn, p string, v interface{}) error {
	b, _, err := conn.Get(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func ZkDeleteRecursive(conn *zk.Conn, p string) error {
	children, _, err := conn.Children(p)
	if err == zk.ErrNoNode {
		return nil
	}
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := ZkDeleteRecursive(conn, path.Join(p, c)); err != nil {
			return err
		}
	}
	if err := conn.Delete(p, -1); err != nil && err != zk.ErrNoNode {
		return err
	}
	return nil
}

// IsZkTransient reports errors that are expected to go away once the session recovers.
func IsZkTransient(err error) bool {
	return errors.Is(err, zk.ErrConnectionClosed) ||
		errors.Is(err, zk.ErrNoServer) ||
		errors.Is(err, zk.ErrSessionExpired) ||
		errors.Is(err, zk.ErrSessionMoved) ||
		errors.Is(err, zk.ErrClosing)
}

// This implementation uses optimistic locking. This is a wrapper of zookeeper znode.
// This struct can be copied, but it only ensures distributed atomicity. Local atomicity is not provided.
// Reference: https://curator.apache.org/apidocs/org/apache/curator/framework/recipes/atomic/DistributedAtomicInteger.html
type DistributedAtomicInteger struct {
	Conn *zk.Conn
	Path string
}

func (i DistributedAtomicInteger) getWithVersion() (value int64, version int32, err error) {
	data, stat, err := i.Conn.Get(i.Path)
	if err != nil {
		return 0, 0, err
	}
	value, err = strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return value, stat.Version, nil
}

func (i DistributedAtomicInteger) Get() (int64, error) {
	value, _, err := i.getWithVersion()
	return value, err
}

// Inc returns the value after increment.
func (i DistributedAtomicInteger) Inc() (int64, error) {
	for {
		value, version, err := i.getWithVersion()
		if err != nil {
			return 0, err
		}
		_, err = i.Conn.Set(i.Path, []byte(strconv.FormatInt(value+1, 10)), version)
		if err == nil {
			return value + 1, nil
		}
		if err != zk.ErrBadVersion {
			return 0, err
		}
		// encounter with bad version, try again
	}
}

func (i DistributedAtomicInteger) SetDefault(v int64) error {
	exists, _, err := i.Conn.Exists(i.Path)
	if err != nil {
		return err
	}
	if !exists {
		_, err := i.Conn.Create(i.Path, []byte(strconv.FormatInt(v, 10)), 0, zk.WorldACL(zk.PermAll))
		if err != nil && err != zk.ErrNodeExists {
			return err
		}
	}
	return nil
}
