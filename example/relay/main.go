// Command relay is a minimal Mesos framework scheduler built on
// mesosched: it subscribes and logs a running count of the offers it is
// given; it never accepts or declines them. It exists to exercise the
// Scheduler callback contract, not to schedule real work.
package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gogo/protobuf/proto"
	mesos "github.com/mesos/go-proto/mesos/v1"
	sched "github.com/mesos/go-proto/mesos/v1/scheduler"
	log "github.com/sirupsen/logrus"

	"github.com/gorilla001/mesosched"
	"github.com/gorilla001/mesosched/masterdetect"
)

type relayScheduler struct {
	mesosched.BaseScheduler
}

func (relayScheduler) Init(userOptions map[string]interface{}) mesosched.InitResult {
	framework := &mesos.FrameworkInfo{
		Name: proto.String("relay"),
		User: proto.String("root"),
	}
	return mesosched.InitOk(framework, false, 0)
}

func (relayScheduler) Registered(info mesosched.SchedulerInfo, subscribed *sched.Event_Subscribed, state interface{}) mesosched.Result {
	log.WithField("framework_id", subscribed.GetFrameworkId().GetValue()).Info("relay: registered")
	return mesosched.Continue(state)
}

func (relayScheduler) Reregistered(info mesosched.SchedulerInfo, state interface{}) mesosched.Result {
	log.WithField("master", info.MasterHost).Info("relay: reregistered")
	return mesosched.Continue(state)
}

func (relayScheduler) Disconnected(info mesosched.SchedulerInfo, state interface{}) mesosched.Result {
	log.Warn("relay: disconnected")
	return mesosched.Continue(state)
}

func (relayScheduler) Error(info mesosched.SchedulerInfo, message string, state interface{}) mesosched.Result {
	log.WithField("message", message).Error("relay: master error, stopping")
	return mesosched.Stop(state, nil)
}

func (relayScheduler) ResourceOffers(info mesosched.SchedulerInfo, offers *sched.Event_Offers, state interface{}) mesosched.Result {
	count, _ := state.(int)
	count += len(offers.GetOffers())
	log.WithField("offers_seen", count).Info("relay: offers received")
	return mesosched.Continue(count)
}

func main() {
	log.SetLevel(log.InfoLevel)

	master := flag.String("master", "localhost:5050", "static master host:port; ignored when -zk is set")
	zkHosts := flag.String("zk", "", "comma-separated ZooKeeper hosts (host:port,...); when set, master_hosts is resolved via leader election instead of -master")
	zkPath := flag.String("zk-path", "/mesos", "znode path the Mesos masters register under, used with -zk")
	flag.Parse()

	var detector masterdetect.Detector
	if *zkHosts != "" {
		detector = masterdetect.NewZKDetector(strings.Split(*zkHosts, ","), *zkPath, 10*time.Second)
	} else {
		detector = masterdetect.Static{Hosts: []string{*master}}
	}

	hosts, err := detector.Detect()
	if err != nil {
		log.WithError(err).Fatal("relay: failed to resolve master hosts")
	}

	driver, err := mesosched.Start(relayScheduler{}, nil, map[string]interface{}{
		"master_hosts": hosts,
	})
	if err != nil {
		log.WithError(err).Fatal("relay: failed to start")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		driver.Stop()
	case <-driver.Done():
	}

	<-driver.Done()
	if err := driver.Err(); err != nil {
		log.WithError(err).Info("relay: session ended")
	}
}
