// Package policy holds the tunables a Message Consumer consults when
// deciding prefetch sizes and redelivery backoff, following the yaml-tagged
// configuration-struct style of config/config.go.
package policy

import (
	"time"

	"github.com/ThorTech/apache-nms/wire"
)

// RedeliveryPolicy computes the delay before a rolled-back or
// negatively-acknowledged batch of messages is made available for
// redelivery, and how many redeliveries are tolerated before a message is
// poisoned.
type RedeliveryPolicy interface {
	// RedeliveryDelay returns the delay to apply before restarting the
	// channel for the given redelivery attempt count (1-based: the first
	// redelivery passes 1).
	RedeliveryDelay(redeliveryCount int) time.Duration
	// MaximumRedeliveries returns the redelivery count past which a
	// message is poisoned instead of redelivered. A negative value means
	// unlimited redeliveries.
	MaximumRedeliveries() int
}

// FixedDelayPolicy redelivers after the same delay every time.
type FixedDelayPolicy struct {
	Delay        time.Duration `yaml:"delay"`
	MaximumTries int           `yaml:"maximum_redeliveries"`
}

func (p FixedDelayPolicy) RedeliveryDelay(int) time.Duration { return p.Delay }
func (p FixedDelayPolicy) MaximumRedeliveries() int          { return p.MaximumTries }

// ExponentialBackoffPolicy doubles the delay on each successive
// redelivery of the same batch, capped at Maximum.
type ExponentialBackoffPolicy struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Maximum      time.Duration `yaml:"maximum_delay"`
	MaximumTries int           `yaml:"maximum_redeliveries"`
}

func (p ExponentialBackoffPolicy) RedeliveryDelay(redeliveryCount int) time.Duration {
	if redeliveryCount <= 0 {
		redeliveryCount = 1
	}
	delay := p.InitialDelay
	for i := 1; i < redeliveryCount; i++ {
		delay *= 2
		if p.Maximum > 0 && delay > p.Maximum {
			return p.Maximum
		}
	}
	if p.Maximum > 0 && delay > p.Maximum {
		return p.Maximum
	}
	return delay
}

func (p ExponentialBackoffPolicy) MaximumRedeliveries() int { return p.MaximumTries }

// DefaultRedeliveryPolicy mirrors the broker's usual client default: a
// flat one-second delay, six tolerated redeliveries.
func DefaultRedeliveryPolicy() RedeliveryPolicy {
	return FixedDelayPolicy{Delay: time.Second, MaximumTries: 6}
}

// PrefetchPolicy supplies the default prefetch size for a consumer as a
// function of the kind of destination it is bound to, following the
// broker's convention that queues and topics warrant different defaults.
type PrefetchPolicy struct {
	QueuePrefetch          int `yaml:"queue_prefetch"`
	QueueBrowserPrefetch   int `yaml:"queue_browser_prefetch"`
	TopicPrefetch          int `yaml:"topic_prefetch"`
	DurableTopicPrefetch   int `yaml:"durable_topic_prefetch"`
}

// DefaultPrefetchPolicy matches the broker's stock client defaults.
func DefaultPrefetchPolicy() PrefetchPolicy {
	return PrefetchPolicy{
		QueuePrefetch:        1000,
		QueueBrowserPrefetch: 500,
		TopicPrefetch:        65535,
		DurableTopicPrefetch: 100,
	}
}

// PrefetchFor returns the configured default prefetch for a destination
// kind, honoring the durable-subscription and browser special cases.
func (p PrefetchPolicy) PrefetchFor(kind wire.DestinationKind, durable, browser bool) int {
	switch kind {
	case wire.Queue, wire.TemporaryQueue:
		if browser {
			return p.QueueBrowserPrefetch
		}
		return p.QueuePrefetch
	case wire.Topic, wire.TemporaryTopic:
		if durable {
			return p.DurableTopicPrefetch
		}
		return p.TopicPrefetch
	default:
		return p.QueuePrefetch
	}
}
