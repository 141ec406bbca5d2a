package masterdetect

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/andygrunwald/megos"
	mesos "github.com/mesos/go-proto/mesos/v1"
	"github.com/pkg/errors"
	"github.com/samuel/go-zookeeper/zk"
	log "github.com/sirupsen/logrus"
)

// ZKDetector resolves the current Mesos master (and any standbys recorded
// under the znode tree) by reading the "json.info_*" znodes ZooKeeper-based
// leader election leaves behind, the way a real Mesos ZK URL
// (zk://host1,host2/mesos) is resolved.
type ZKDetector struct {
	Hosts   []string
	Path    string
	Timeout time.Duration
}

// NewZKDetector builds a detector that reads the master znodes under the
// given path from the ZooKeeper ensemble at hosts (a slice of "host:port"
// strings) once per Detect call.
func NewZKDetector(hosts []string, path string, timeout time.Duration) *ZKDetector {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &ZKDetector{Hosts: hosts, Path: path, Timeout: timeout}
}

func (d *ZKDetector) Detect() ([]string, error) {
	conn, connCh, err := zk.Connect(d.Hosts, d.Timeout)
	if err != nil {
		return nil, errors.Wrap(err, "connect to zookeeper")
	}
	defer conn.Close()

	connected := false
	deadline := time.After(d.Timeout)
	for !connected {
		select {
		case event := <-connCh:
			if event.State == zk.StateConnected {
				log.Info("masterdetect: connected to zookeeper")
				connected = true
			}
		case <-deadline:
			return nil, errors.New("masterdetect: timed out connecting to zookeeper")
		}
	}

	children, _, err := conn.Children(d.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "list children of %s", d.Path)
	}

	urls := make([]*url.URL, 0, len(children))
	for _, node := range children {
		if !strings.HasPrefix(node, "json.info") {
			continue
		}

		path := d.Path + "/" + node
		data, _, err := conn.Get(path)
		if err != nil {
			return nil, errors.Wrapf(err, "get znode %s", path)
		}

		info := new(mesos.MasterInfo)
		if err := json.Unmarshal(data, info); err != nil {
			return nil, errors.Wrapf(err, "decode master info at %s", path)
		}

		urls = append(urls, &url.URL{
			Scheme: "http",
			Host:   fmt.Sprintf("%s:%d", info.GetAddress().GetIp(), info.GetAddress().GetPort()),
		})
	}

	if len(urls) == 0 {
		return nil, errors.Errorf("masterdetect: no master znodes under %s", d.Path)
	}

	client := megos.NewClient(urls, nil)
	leader, err := client.DetermineLeader()
	if err != nil {
		return nil, errors.Wrap(err, "determine mesos leader")
	}

	hosts := []string{fmt.Sprintf("%s:%d", leader.Host, leader.Port)}
	for _, u := range urls {
		if u.Host != hosts[0] {
			hosts = append(hosts, u.Host)
		}
	}

	return hosts, nil
}
