package mqlight

import (
	"net/url"
	"strings"
	"time"
)

const (
	privatePrefix = "private:"
	sharePrefix   = "share:"
)

// Destination is the client-side record of a subscription.
type Destination struct {
	TopicPattern string
	Share        string
	QoS          QoS
	// TTL is how long the destination outlives the subscription, in whole seconds.
	TTL         time.Duration
	AutoConfirm bool
	Credit      uint32
}

// Address returns the link address of the destination on svc.
func (d *Destination) Address(svc *Service) string {
	return svc.Address() + "/" + d.link()
}

func (d *Destination) link() string {
	if d.Share == "" {
		return privatePrefix + d.TopicPattern
	}
	return sharePrefix + d.Share + ":" + d.TopicPattern
}

func (d *Destination) key() destinationKey {
	return destinationKey{pattern: d.TopicPattern, share: d.Share}
}

// ttlSeconds rounds d down to whole seconds.
func ttlSeconds(d time.Duration) time.Duration {
	return d.Truncate(time.Second)
}

// topicAddress returns the address a message on topic is sent to.
func topicAddress(svc *Service, topic string) string {
	return svc.Address() + "/" + topic
}

// topicFromAddress recovers the topic from a message address of the form
// scheme://host:port/topic. Percent-encoded topics are decoded.
func topicFromAddress(address string) string {
	rest := address
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			rest = rest[j+1:]
		} else {
			rest = ""
		}
	}
	if topic, err := url.PathUnescape(rest); err == nil {
		return topic
	}
	return rest
}
