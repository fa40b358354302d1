package events

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/liuscraft/vocistant/internal/logging"
)

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSForwarder mirrors hub events onto NATS subjects named
// <prefix>.<type>, so other processes can follow the pipeline.
type NATSForwarder struct {
	pub    publisher
	prefix string
	sub    *Subscription
	closer func()
	done   chan struct{}
	once   sync.Once
}

// ConnectNATS dials url and starts forwarding every event kind except logs.
func ConnectNATS(hub *Hub, url, prefix string) (*NATSForwarder, error) {
	conn, err := nats.Connect(url,
		nats.Name("vocistant"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logging.Infof("Connected to NATS at %s, subject prefix %s", url, prefix)
	return newForwarder(hub, conn, prefix, func() {
		_ = conn.Drain()
		conn.Close()
	}), nil
}

func newForwarder(hub *Hub, pub publisher, prefix string, closer func()) *NATSForwarder {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "vocistant.events"
	}
	f := &NATSForwarder{
		pub:    pub,
		prefix: prefix,
		sub:    hub.Subscribe(256, TypeVAD, TypeTranscription, TypeCorrection, TypeStatus, TypeIdleTimeout),
		closer: closer,
		done:   make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *NATSForwarder) run() {
	defer close(f.done)
	for e := range f.sub.C() {
		data, err := Encode(e)
		if err != nil {
			logging.Warnf("NATS forwarder: %v", err)
			continue
		}
		subject := f.prefix + "." + string(e.Type())
		if err := f.pub.Publish(subject, data); err != nil {
			logging.Warnf("NATS forwarder: publish %s: %v", subject, err)
		}
	}
}

// Close stops forwarding and drains the connection.
func (f *NATSForwarder) Close() {
	f.once.Do(func() {
		f.sub.Close()
		<-f.done
		if f.closer != nil {
			f.closer()
		}
	})
}
